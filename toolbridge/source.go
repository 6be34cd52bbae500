package toolbridge

import (
	"bytes"
	"encoding/json"
	"text/template"
)

// The proxy tool executes nothing. It hands the call back as a structured
// payload so the gateway can surface it to the client.
var proxySource = template.Must(template.New("proxy").Funcs(template.FuncMap{
	"pyDefault": pyDefault,
	"pyStr":     pyStr,
}).Parse(`def {{.Name}}({{range $i, $p := .Params}}{{if $i}}, {{end}}{{$p.Name}}{{pyDefault $p.Type}}{{end}}):
    import json
    import uuid

    required = [{{range $i, $p := .Required}}{{if $i}}, {{end}}{{pyStr $p}}{{end}}]
    args = {
{{- range .Params}}
        {{pyStr .Name}}: {{.Name}},
{{- end}}
    }
    args = {k: v for k, v in args.items() if k in required or v not in (None, "", 0, [], {})}
    return {
        "type": "proxy_tool_call",
        "tool_call_id": "call_" + uuid.uuid4().hex[:8],
        "function": {"name": {{pyStr .Name}}, "arguments": json.dumps(args)},
    }
`))

// pyDefault renders a typed keyword default for a JSON Schema type.
func pyDefault(schemaType string) string {
	switch schemaType {
	case "string":
		return `: str = ""`
	case "integer":
		return ": int = 0"
	case "number":
		return ": float = 0"
	case "boolean":
		return ": bool = False"
	case "array":
		return ": list = None"
	case "object":
		return ": dict = None"
	}
	return " = None"
}

// pyStr quotes s as a Python string literal. JSON string escapes are valid Python.
func pyStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ProxySource renders the Python source of the proxy tool for def.
func ProxySource(def *Definition) (string, error) {
	var required []string
	for _, p := range def.Params {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	var buf bytes.Buffer
	err := proxySource.Execute(&buf, struct {
		*Definition
		Required []string
	}{def, required})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
