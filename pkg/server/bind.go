package server

// Bind drives ISC BIND 9 (named).
type Bind struct {
	DNSCapabilities
}

func init() {
	Register(Bind{})
}

// Family implements Driver.
func (Bind) Family() string { return "bind" }

// DefaultBinary implements Driver.
func (Bind) DefaultBinary() string { return "named" }

// WriteConfig renders named.conf.
func (Bind) WriteConfig(cfg *Config) (string, error) {
	return render(cfg, "named.conf", bindTemplate)
}

// Command runs named in the foreground, logging to stderr.
func (Bind) Command(cfg *Config, configPath string) Launch {
	return Launch{
		Path: cfg.Binary,
		Args: append([]string{"-g", "-c", configPath}, cfg.ExtraArgs...),
		Dir:  cfg.Dir,
	}
}

var bindTemplate = mustTemplate("named.conf", `options {
	directory "{{.Dir}}";
	pid-file "{{.Path "named.pid"}}";
	listen-on port {{.Port}} { {{.Host}}; };
	listen-on-v6 { none; };
	recursion no;
	notify explicit;
	allow-transfer { none; };
	dnssec-validation no;
};

controls { };
{{- with .TSIG}}

key "{{nodot .Name}}" {
	algorithm {{nodot .Algorithm}};
	secret "{{.Secret}}";
};
{{- end}}
{{- range .Zones}}

zone "{{.Origin}}" {
{{- if .Master}}
	type primary;
	file "{{.File}}";
{{- if .IXFR}}
	ixfr-from-differences yes;
{{- end}}
{{- if .DDNS}}
	allow-update { {{if .TSIG}}key "{{nodot .TSIG.Name}}"{{else}}{{$.Host}}{{end}}; };
{{- end}}
{{- else}}
	type secondary;
	file "{{.File}}";
	primaries { {{range .Masters}}{{.Host}} port {{.Port}}{{if $.TSIG}} key "{{nodot $.TSIG.Name}}"{{end}}; {{end}}};
	allow-notify { {{range .Masters}}{{.Host}}; {{end}}};
{{- end}}
	allow-transfer { {{if .TSIG}}key "{{nodot .TSIG.Name}}"{{else}}{{$.Host}}{{end}}; };
{{- if .Downstreams}}
	also-notify { {{range .Downstreams}}{{.Host}} port {{.Port}}{{if $.TSIG}} key "{{nodot $.TSIG.Name}}"{{end}}; {{end}}};
{{- end}}
};
{{- end}}
`)
