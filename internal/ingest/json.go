package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"scanguard/internal/normalize"
)

var errUnrecognized = errors.New("unrecognized inventory line")

func ParseJSONBytes(data []byte) (*normalize.RecordFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.RecordFields {
	fields := &normalize.RecordFields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.IP = firstNonEmpty(fields.Extras, ipAliases...)
	fields.Hostname = firstNonEmpty(fields.Extras, hostnameAliases...)
	fields.Port = firstNonEmpty(fields.Extras, portAliases...)
	fields.State = firstNonEmpty(fields.Extras, stateAliases...)
	fields.Service = firstNonEmpty(fields.Extras, serviceAliases...)
	fields.Product = firstNonEmpty(fields.Extras, productAliases...)
	return fields
}

type scanDocument struct {
	Hosts []struct {
		IP       string                   `json:"ip"`
		Hostname string                   `json:"hostname"`
		Ports    []map[string]interface{} `json:"ports"`
	} `json:"hosts"`
}

// ParseDocument flattens a scan document into one row per port. It accepts
// the scanner's {"hosts":[{"ip","hostname","ports":[...]}]} shape or a plain
// array of record objects.
func ParseDocument(data []byte) ([]*normalize.RecordFields, error) {
	trim := strings.TrimSpace(string(data))
	if strings.HasPrefix(trim, "[") {
		var rows []map[string]interface{}
		if err := json.Unmarshal([]byte(trim), &rows); err != nil {
			return nil, err
		}
		out := make([]*normalize.RecordFields, 0, len(rows))
		for _, row := range rows {
			out = append(out, ParseJSONMap(row))
		}
		return out, nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trim), &top); err != nil {
		return nil, err
	}
	if _, ok := top["hosts"]; !ok {
		return nil, errors.New("document has no hosts")
	}
	var doc scanDocument
	if err := json.Unmarshal([]byte(trim), &doc); err != nil {
		return nil, err
	}
	out := make([]*normalize.RecordFields, 0)
	for _, host := range doc.Hosts {
		for _, port := range host.Ports {
			fields := ParseJSONMap(port)
			fields.IP = host.IP
			fields.Hostname = host.Hostname
			out = append(out, fields)
		}
	}
	return out, nil
}
