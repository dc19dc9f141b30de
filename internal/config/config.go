package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/forwarder.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	// APIToken protects the callback API. Empty disables the check.
	APIToken string `envconfig:"API_TOKEN" default:""`

	// Endpoint publishing
	K8sNamespace         string `envconfig:"K8S_NAMESPACE" default:""`
	HubServiceName       string `envconfig:"HUB_SERVICE_NAME" default:"hub"`
	EndpointNameTemplate string `envconfig:"ENDPOINT_NAME_TEMPLATE" default:"jupyter-{username}--{servername}"`
	DNSNameTemplate      string `envconfig:"DNS_NAME_TEMPLATE" default:"{name}.{namespace}.svc.cluster.local"`

	// Outpost service
	OutpostURL     string        `envconfig:"OUTPOST_URL" default:"http://outpost:8080"`
	OutpostToken   string        `envconfig:"OUTPOST_TOKEN" default:""`
	OutpostTimeout time.Duration `envconfig:"OUTPOST_TIMEOUT" default:"5m"`

	PublicAPIURL string `envconfig:"PUBLIC_API_URL" default:"http://hub:8081/hub/api"`
	InternalSSL  bool   `envconfig:"INTERNAL_SSL" default:"false"`

	// SSH defaults, overridden per site and per connection info
	SSHKeyPath        string        `envconfig:"SSH_KEY_PATH" default:"/app/data/ssh/id_ed25519"`
	SSHRemoteKeyPath  string        `envconfig:"SSH_REMOTE_KEY_PATH" default:""`
	SSHUsername       string        `envconfig:"SSH_USERNAME" default:"jupyterhuboutpost"`
	SSHPort           int           `envconfig:"SSH_PORT" default:"22"`
	SSHCommandTimeout time.Duration `envconfig:"SSH_COMMAND_TIMEOUT" default:"3s"`
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"1s"`

	// Scheduled jobs (cron syntax)
	PollSchedule  string        `envconfig:"POLL_SCHEDULE" default:"@every 30s"`
	PruneSchedule string        `envconfig:"PRUNE_SCHEDULE" default:"@hourly"`
	EventWait     time.Duration `envconfig:"EVENT_WAIT" default:"1s"`

	SiteConfig string `envconfig:"SITE_CONFIG" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("FORWARDER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
