package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/forwarder/internal/config"
	"github.com/gluk-w/claworc/forwarder/internal/sshkeys"
)

// GetSSHPublicKey returns the forwarder's ssh public key, for installing on
// the ssh nodes.
func GetSSHPublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := sshkeys.LoadPublicKey(config.Cfg.SSHKeyPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "SSH public key not available")
		return
	}
	fp, err := sshkeys.Fingerprint([]byte(pub))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"public_key":  pub,
		"fingerprint": fp,
	})
}
