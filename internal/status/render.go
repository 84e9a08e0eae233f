// Package status serves the HTML status page from a single goroutine that
// multiplexes the listener and every client socket with poll(2).
//
// Requests are not parsed: any bytes received on a connection count as one
// request and are answered with the current readings, after which the
// connection is closed.
package status

import (
	"bytes"
	"html/template"
	"strconv"

	"github.com/pkg/errors"

	"github.com/logitemp/logitemp/internal/telemetry"
)

var page = template.Must(template.New("status").Parse(`<html>
<head><title>logitemp</title></head>
<body>
<h1>Temperature probes</h1>
{{- if .Ready}}
{{- range .Rows}}
<p>Port: {{.Port}}, Temp: {{.Temp}}, Serial: {{.Serial}}</p>
{{- else}}
<p>No sensors reporting</p>
{{- end}}
{{- else}}
<p>No readings yet</p>
{{- end}}
</body>
</html>
`))

type row struct {
	Port   int
	Temp   string
	Serial string
}

// Render returns the page body for snap. A nil snapshot renders the "no
// readings yet" page.
func Render(snap *telemetry.Snapshot) ([]byte, error) {
	data := struct {
		Ready bool
		Rows  []row
	}{Ready: snap != nil}
	if snap != nil {
		for _, r := range snap.Readings {
			data.Rows = append(data.Rows, row{Port: r.Port, Temp: r.Temp.String(), Serial: r.Device.String()})
		}
	}
	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "render status page")
	}
	return buf.Bytes(), nil
}

// Response wraps body in the fixed HTTP response.
func Response(body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(body) + 128)
	buf.WriteString("HTTP/1.1 200 OK\r\n")
	buf.WriteString("Content-Type: text/html\r\n")
	buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
