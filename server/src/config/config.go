package config

import (
	"encoding/json"
	"log"

	"github.com/alecthomas/kong"
)

const (
	auxpartyGlobalPath  = "/etc/auxparty.json"
	auxpartyLocalPath   = "~/.config/auxparty.json"
	auxpartyProjectPath = "./auxparty.json"
)

type CLI struct {
	Config        kong.ConfigFlag `name:"config" env:"CONFIG" help:"path to a custom config file" json:"config"`
	Host          string          `name:"host" default:"" env:"HOST" help:"host name (e.g. 0.0.0.0). If left empty (= ''), listens on all IPs of the machine" json:"host"`
	Port          uint16          `name:"port" default:"7766" env:"PORT" help:"port (range from 0 to 65535) to listen on" json:"port"`
	Cert          string          `name:"cert" default:"" env:"CERT" help:"path to TLS certificate file. If none is given, plain TCP is used" json:"cert"`
	Key           string          `name:"key" default:"" env:"KEY" help:"path to TLS key corresponding to the TLS certificate. If none is given, plain TCP is used" json:"key"`
	DBPath        string          `name:"dbpath" default:"./auxparty.sqlite" env:"DBPATH" help:"path of the sqlite database holding rooms and playlists" json:"dbpath"`
	CachePath     string          `name:"cachepath" default:"./.cache/media.db" env:"CACHEPATH" help:"path of the media metadata cache" json:"cachepath"`
	Providers     []string        `name:"providers" default:"https://yewtu.be,https://invidious.snopyta.org" env:"PROVIDERS" help:"metadata provider base urls, tried in order" json:"providers"`
	OEmbed        string          `name:"oembed" default:"https://www.youtube.com/oembed" env:"OEMBED" help:"oEmbed endpoint used as last-resort video lookup" json:"oembed"`
	CodeAttempts  int             `name:"codeattempts" default:"5" env:"CODEATTEMPTS" help:"retries when a generated room code collides" json:"codeattempts"`
	SaveInterval  uint64          `name:"saveinterval" default:"5" env:"SAVEINTERVAL" help:"minimum interval (in seconds) between position writes to the database per room" json:"saveinterval"`
	Debug         bool            `name:"debug" env:"DEBUG" help:"whether to log debugging entries" json:"debug"`
}

// Parses command arguments, environment variables and config file in case one is given.
// Order of precedence is: environment variables < config file < command arguments
func ParseCommandArgs() CLI {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("auxparty server"),
		kong.Description("Run the auxparty shared-playback room server"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}),
		kong.Configuration(kong.JSON, auxpartyGlobalPath, auxpartyLocalPath, auxpartyProjectPath),
	)

	return cli
}

func PrintConfig(cli CLI) {
	s, _ := json.MarshalIndent(cli, "", "\t")
	log.Printf("Configurations successfully set:\n%s", string(s))
}
