// Package bind registers command flags and maps them onto config keys or
// command options.
package bind

import (
	"github.com/spf13/pflag"

	"github.com/ctrlsam/rigour/pkg/config"
)

// mapped registers flags with their config keys. Registration happens at
// startup, so a failed mapping is a programming error.
func mapped(fs *pflag.FlagSet, pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := config.MapFlag(fs, pairs[i], pairs[i+1]); err != nil {
			panic(err)
		}
	}
}

// BusFlags registers the message bus flags.
func BusFlags(fs *pflag.FlagSet) {
	def := config.DefaultConfig().Bus
	fs.String("bus", def.Driver, "Message bus driver (amqp|redis|memory)")
	fs.String("bus-url", def.URL, "Broker URL")
	fs.String("exchange", def.Exchange, "Topic exchange name")
	fs.String("codec", def.Codec, "Payload codec (msgpack|json)")
	mapped(fs,
		"bus", "bus.driver",
		"bus-url", "bus.url",
		"exchange", "bus.exchange",
		"codec", "bus.codec",
	)
}

// StorageFlags registers the persistence flags.
func StorageFlags(fs *pflag.FlagSet) {
	def := config.DefaultConfig().Storage
	fs.String("storage", def.Driver, "Storage driver (sqlite|local)")
	fs.String("dsn", def.DSN, "SQLite database path")
	fs.String("data-dir", def.Dir, "Directory of the local JSON store")
	mapped(fs,
		"storage", "storage.driver",
		"dsn", "storage.dsn",
		"data-dir", "storage.dir",
	)
}

// GrabFlags registers the banner grabber flags.
func GrabFlags(fs *pflag.FlagSet) {
	def := config.DefaultConfig().Grabber
	fs.String("service", "", "zgrab2 module to run (e.g. http, ssh)")
	fs.Int("port", def.Port, "Only grab discoveries on this port (0 = any)")
	fs.Duration("timeout", def.MessageTimeout, "Drop pending requests older than this")
	fs.Duration("sweep-interval", def.SweepInterval, "How often pending requests are swept")
	fs.String("zgrab", def.Binary, "zgrab2 binary")
	fs.String("on-exit", def.OnExit, "What to do when zgrab2 exits (restart|shutdown)")
	mapped(fs,
		"service", "grabber.service",
		"port", "grabber.port",
		"timeout", "grabber.message_timeout",
		"sweep-interval", "grabber.sweep_interval",
		"zgrab", "grabber.binary",
		"on-exit", "grabber.on_exit",
	)
}

// PortsFlags registers the discovery stage flags.
func PortsFlags(fs *pflag.FlagSet) {
	def := config.DefaultConfig().Ports
	fs.String("ports", def.Ports, "Ports to scan (e.g. 80 or 22,8000-8100)")
	fs.StringSlice("networks", def.Networks, "Networks to scan (CIDR blocks or addresses)")
	fs.Int("rate", def.Rate, "zmap send rate in packets per second")
	fs.String("zmap", def.Binary, "zmap binary")
	fs.Float64("publish-rate", def.PublishRate, "Maximum discoveries published per second (0 = unlimited)")
	mapped(fs,
		"ports", "ports.ports",
		"networks", "ports.networks",
		"rate", "ports.rate",
		"zmap", "ports.binary",
		"publish-rate", "ports.publish_rate",
	)
}

// ServerFlags registers the API server flags.
func ServerFlags(fs *pflag.FlagSet) {
	def := config.DefaultServerConfig()
	fs.String("addr", def.Addr, "Listen address")
	fs.Int("listen-port", def.Port, "Listen port")
	fs.Duration("retention", def.Retention, "Delete hosts not updated for this long (0 = keep)")
	mapped(fs,
		"addr", "server.addr",
		"listen-port", "server.port",
		"retention", "server.retention",
	)
}
