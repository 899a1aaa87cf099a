package server

import "fmt"

// NSD drives NLnet Labs NSD.
type NSD struct {
	DNSCapabilities
}

func init() {
	Register(NSD{})
}

// Family implements Driver.
func (NSD) Family() string { return "nsd" }

// DefaultBinary implements Driver.
func (NSD) DefaultBinary() string { return "nsd" }

// WriteConfig renders nsd.conf. NSD has no dynamic update support.
func (NSD) WriteConfig(cfg *Config) (string, error) {
	for _, z := range cfg.Zones {
		if z.DDNS {
			return "", &ConfigError{Server: cfg.Name, Reason: fmt.Sprintf("nsd does not accept dynamic updates (zone %s)", z.Origin())}
		}
	}

	return render(cfg, "nsd.conf", nsdTemplate)
}

// Command runs nsd in the foreground.
func (NSD) Command(cfg *Config, configPath string) Launch {
	return Launch{
		Path: cfg.Binary,
		Args: append([]string{"-d", "-c", configPath}, cfg.ExtraArgs...),
		Dir:  cfg.Dir,
	}
}

var nsdTemplate = mustTemplate("nsd.conf", `server:
	ip-address: {{.Host}}@{{.Port}}
	zonesdir: "{{.Path "zones"}}"
	pidfile: "{{.Path "nsd.pid"}}"
	xfrdfile: "{{.Path "xfrd.state"}}"
	zonelistfile: "{{.Path "zone.list"}}"
	database: ""
	username: ""
	verbosity: {{.Param "verbosity" "1"}}

remote-control:
	control-enable: no
{{- with .TSIG}}

key:
	name: "{{nodot .Name}}"
	algorithm: {{nodot .Algorithm}}
	secret: "{{.Secret}}"
{{- end}}
{{- $key := "NOKEY"}}{{with .TSIG}}{{$key = nodot .Name}}{{end}}
{{- range .Zones}}

zone:
	name: "{{.Origin}}"
	zonefile: "{{.File}}"
{{- if .IXFR}}
	store-ixfr: yes
{{- end}}
{{- range .Masters}}
	request-xfr: {{.Host}}@{{.Port}} {{$key}}
	allow-notify: {{.Host}} {{$key}}
{{- end}}
	provide-xfr: {{$.Host}} {{$key}}
{{- range .Downstreams}}
	notify: {{.Host}}@{{.Port}} {{$key}}
{{- end}}
{{- end}}
`)
