package server

// Knot drives Knot DNS (knotd).
type Knot struct {
	DNSCapabilities
}

func init() {
	Register(Knot{})
}

// Family implements Driver.
func (Knot) Family() string { return "knot" }

// DefaultBinary implements Driver.
func (Knot) DefaultBinary() string { return "knotd" }

// WriteConfig renders knot.conf.
func (Knot) WriteConfig(cfg *Config) (string, error) {
	return render(cfg, "knot.conf", knotTemplate)
}

// Command runs knotd in the foreground.
func (Knot) Command(cfg *Config, configPath string) Launch {
	return Launch{
		Path: cfg.Binary,
		Args: append([]string{"-c", configPath}, cfg.ExtraArgs...),
		Dir:  cfg.Dir,
	}
}

var knotTemplate = mustTemplate("knot.conf", `server:
    rundir: "{{.Dir}}"
    listen: {{.Host}}@{{.Port}}

control:
    listen: "{{.Path "knot.sock"}}"

database:
    storage: "{{.Path "db"}}"

log:
  - target: stderr
    any: {{.Param "log-level" "info"}}
{{- with .TSIG}}

key:
  - id: {{nodot .Name}}
    algorithm: {{nodot .Algorithm}}
    secret: {{.Secret}}
{{- end}}
{{- if .Peers}}

remote:
{{- range .Peers}}
  - id: {{.Name}}
    address: {{.Host}}@{{.Port}}
{{- with $.TSIG}}
    key: {{nodot .Name}}
{{- end}}
{{- end}}
{{- end}}

acl:
  - id: xfr
    address: {{.Host}}/8
{{- with .TSIG}}
    key: {{nodot .Name}}
{{- end}}
    action: [transfer, notify]
  - id: update
    address: {{.Host}}/8
{{- with .TSIG}}
    key: {{nodot .Name}}
{{- end}}
    action: update

template:
  - id: default
    storage: "{{.Path "zones"}}"
    zonefile-sync: 0
    semantic-checks: off

zone:
{{- range .Zones}}
  - domain: {{.Origin}}
    file: "{{.File}}"
{{- if .Master}}
    zonefile-load: difference-no-serial
    journal-content: all
{{- else}}
    master: [{{range $i, $m := .Masters}}{{if $i}}, {{end}}{{$m.Name}}{{end}}]
{{- end}}
{{- if .Downstreams}}
    notify: [{{range $i, $d := .Downstreams}}{{if $i}}, {{end}}{{$d.Name}}{{end}}]
{{- end}}
    acl: [xfr{{if .DDNS}}, update{{end}}]
{{- end}}
`)
