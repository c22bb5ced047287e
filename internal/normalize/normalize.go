package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"scanguard/internal/model"
)

const Unknown = "unknown"

// RecordFields is one parsed inventory row before validation.
type RecordFields struct {
	IP       string
	Hostname string
	Port     string
	State    string
	Service  string
	Product  string
	Extras   map[string]string
	Raw      string
}

func Normalize(fields RecordFields) (model.InventoryRecord, error) {
	port, err := ParsePort(fields.Port)
	if err != nil {
		return model.InventoryRecord{}, fmt.Errorf("parse port: %w", err)
	}
	state := strings.TrimSpace(fields.State)
	if state == "" {
		state = Unknown
	}
	return model.InventoryRecord{
		IP:       strings.TrimSpace(fields.IP),
		Hostname: strings.TrimSpace(fields.Hostname),
		Port:     port,
		State:    state,
		Service:  strings.TrimSpace(fields.Service),
		Product:  strings.TrimSpace(fields.Product),
	}, nil
}

// ParsePort returns the canonical non-negative port. Legacy encodings that
// wrote ports as floats ("22.0") are accepted when integral; empty is 0.
func ParsePort(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative port %d", n)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", value)
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, errors.New("port must be a non-negative integer")
	}
	return int(f), nil
}

// Features derives the lookup keys used by both the baseline builder and the scorer.
func Features(rec model.InventoryRecord) model.FeatureKeys {
	port := strconv.Itoa(rec.Port)
	service := canonical(rec.Service)
	product := canonical(rec.Product)
	return model.FeatureKeys{
		Port:    port,
		Service: service,
		Product: product,
		Combo:   service + "|" + port,
	}
}

func canonical(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return Unknown
	}
	return v
}
