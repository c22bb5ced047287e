package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"scanguard/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)

// Parser turns one line of scan inventory into fields. It remembers a CSV
// header once seen, so a single Parser should follow a single stream.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil fields for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*normalize.RecordFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

// ParseMessage accepts either a single line or a whole scan document.
func (p *Parser) ParseMessage(data []byte) ([]*normalize.RecordFields, error) {
	trim := strings.TrimSpace(string(data))
	if looksLikeJSON(trim) {
		if rows, err := ParseDocument([]byte(trim)); err == nil {
			return rows, nil
		}
	}
	var out []*normalize.RecordFields
	for _, line := range strings.Split(trim, "\n") {
		fields, err := p.ParseLine(line)
		if err != nil {
			return out, err
		}
		if fields != nil {
			out = append(out, fields)
		}
	}
	return out, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.RecordFields, error) {
	return ParseJSONBytes([]byte(line))
}

// parsePlain reads key=value pairs, e.g. "ip=10.0.0.5 port=22 service=ssh".
func parsePlain(line string) (*normalize.RecordFields, error) {
	fields := &normalize.RecordFields{Extras: map[string]string{}}
	matches := reKV.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil, errUnrecognized
	}
	for _, match := range matches {
		assignField(fields, match[1], strings.Trim(match[2], `"`))
	}
	if fields.IP == "" {
		return nil, errUnrecognized
	}
	return fields, nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.RecordFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.RecordFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	// Headerless rows follow the parsed.csv column order.
	positional := []*string{&fields.IP, &fields.Hostname, &fields.Port, &fields.State, &fields.Service, &fields.Product}
	for i, dst := range positional {
		if i >= len(record) {
			break
		}
		*dst = strings.TrimSpace(record[i])
	}
	return fields, nil
}

var (
	ipAliases       = []string{"ip", "address", "addr", "ip_address", "host_ip"}
	hostnameAliases = []string{"hostname", "host", "fqdn"}
	portAliases     = []string{"port", "portid", "port_id"}
	stateAliases    = []string{"state", "status"}
	serviceAliases  = []string{"service", "service_name"}
	productAliases  = []string{"product", "software"}
)

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "ip", "address", "ip_address", "hostname", "port", "portid", "state", "service", "product":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.RecordFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch {
	case contains(ipAliases, name):
		fields.IP = value
	case contains(hostnameAliases, name):
		fields.Hostname = value
	case contains(portAliases, name):
		fields.Port = value
	case contains(stateAliases, name):
		fields.State = value
	case contains(serviceAliases, name):
		fields.Service = value
	case contains(productAliases, name):
		fields.Product = value
	default:
		if fields.Extras != nil {
			fields.Extras[name] = value
		}
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
