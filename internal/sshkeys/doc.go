// Package sshkeys manages the ssh identity the forwarder uses for its
// control connections.
//
// [EnsureIdentity] creates an ED25519 key pair on first start, in the OpenSSH
// private key format so it can be handed to the ssh client as IdentityFile.
// The private key is written with 0600 permissions inside a 0700 directory.
// On later starts the stored public key is checked against the private key
// with [VerifyFingerprint], so a replaced key file is noticed before ssh
// fails with an opaque authentication error.
//
// The public key and its [Fingerprint] are exposed over the API so that
// operators can install them on the ssh nodes.
//
// # Log Prefixes
//
//   - [ssh] identity generation
package sshkeys
