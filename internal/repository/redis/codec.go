package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

// Bucket hash field suffixes.
const (
	fieldRefill     = "rf"
	fieldExpires    = "ex"
	suffixTokens    = "tk"
	suffixCapacity  = "cp"
	suffixBurst     = "bx"
	suffixRefillAmt = "ra"
	suffixRefillPer = "rp"
	suffixConsumed  = "tc"
	suffixRefillAt  = "rt"
	fieldSysLimits  = "limits"
	fieldSysPolicy  = "on_unavailable"
)

// scriptWrite is the JSON shape execute_write.lua decodes. Lua numbers are
// doubles, so every int64 travels as a decimal string.
type scriptWrite struct {
	Mode     int           `json:"m"`
	Refill   string        `json:"rf"`
	Expected string        `json:"erf"`
	TTL      int           `json:"ttl"`
	Expires  string        `json:"ex"`
	Resource string        `json:"res"`
	Limits   []scriptLimit `json:"l"`
}

type scriptLimit struct {
	Name      string `json:"n"`
	Absolute  bool   `json:"abs"`
	Config    bool   `json:"cfg"`
	Guarded   bool   `json:"g"`
	Tokens    string `json:"tk"`
	TokensD   string `json:"dtk"`
	ConsumedD string `json:"dtc"`
	Min       string `json:"min"`
	Capacity  string `json:"cp"`
	Burst     string `json:"bx"`
	RefillAmt string `json:"ra"`
	RefillPer string `json:"rp"`
	RefillAt  string `json:"rt"`
}

func i64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func encodeWrites(writes []repository.BucketWrite) (string, error) {
	out := make([]scriptWrite, 0, len(writes))
	for _, w := range writes {
		sw := scriptWrite{
			Mode:     int(w.Mode),
			Refill:   i64(w.RefillMs),
			Expected: i64(w.ExpectedRefillMs),
			TTL:      int(w.TTL),
			Expires:  i64(w.ExpiresAtMs),
			Resource: w.Key.Resource,
			Limits:   make([]scriptLimit, 0, len(w.Limits)),
		}
		for _, lw := range w.Limits {
			l := lw.Limit
			sw.Limits = append(sw.Limits, scriptLimit{
				Name:      l.Name,
				Absolute:  lw.Absolute(w.Mode),
				Config:    lw.UpdatesConfig(w.Mode),
				Guarded:   lw.Guarded(w.Mode),
				Tokens:    i64(lw.TokensMilli),
				TokensD:   i64(lw.TokensDelta),
				ConsumedD: i64(lw.ConsumedDelta),
				Min:       i64(lw.MinTokensMilli),
				Capacity:  i64(l.Capacity * models.MilliScale),
				Burst:     i64(l.Burst * models.MilliScale),
				RefillAmt: i64(l.RefillAmount * models.MilliScale),
				RefillPer: i64(l.RefillPeriodMs()),
				RefillAt:  i64(w.LimitRefillMs(lw)),
			})
		}
		out = append(out, sw)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode writes: %w", err)
	}
	return string(b), nil
}

// decodeRecord parses a bucket hash. An empty hash means no record.
func decodeRecord(key models.BucketKey, fields map[string]string) (*repository.BucketRecord, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &repository.BucketRecord{Key: key, Limits: make(map[string]models.BucketState)}
	refillAt := make(map[string]int64)

	for field, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bucket %s field %s: %w", key, field, err)
		}
		switch field {
		case fieldRefill:
			rec.RefillMs = v
			continue
		case fieldExpires:
			rec.ExpiresAtMs = v
			continue
		}

		idx := strings.LastIndexByte(field, ':')
		if idx <= 0 {
			continue
		}
		name, suffix := field[:idx], field[idx+1:]
		state := rec.Limits[name]
		switch suffix {
		case suffixTokens:
			state.TokensMilli = v
		case suffixCapacity:
			state.CapacityMilli = v
		case suffixBurst:
			state.BurstMilli = v
		case suffixRefillAmt:
			state.RefillAmountMilli = v
		case suffixRefillPer:
			state.RefillPeriodMs = v
		case suffixConsumed:
			state.TotalConsumed = v
		case suffixRefillAt:
			refillAt[name] = v
		default:
			continue
		}
		rec.Limits[name] = state
	}

	for name, state := range rec.Limits {
		state.EntityID = key.EntityID
		state.Resource = key.Resource
		state.LimitName = name
		state.LastRefillMs = rec.RefillMs
		if ms, ok := refillAt[name]; ok {
			state.LastRefillMs = ms
		}
		state.ExpiresAtMs = rec.ExpiresAtMs
		rec.Limits[name] = state
	}
	return rec, nil
}

func encodeEntity(e *models.Entity) ([]any, error) {
	meta := ""
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	cascade := "0"
	if e.Cascade {
		cascade = "1"
	}
	return []any{
		"id", e.ID,
		"name", e.Name,
		"parent_id", e.ParentID,
		"cascade", cascade,
		"metadata", meta,
		"created_at", i64(e.CreatedAt.UnixMilli()),
	}, nil
}

func decodeEntity(fields map[string]string) (*models.Entity, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	e := &models.Entity{
		ID:       fields["id"],
		Name:     fields["name"],
		ParentID: fields["parent_id"],
		Cascade:  fields["cascade"] == "1",
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("entity %s metadata: %w", e.ID, err)
		}
	}
	if raw := fields["created_at"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entity %s created_at: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return e, nil
}

func encodeLimits(limits []models.Limit) (string, error) {
	if limits == nil {
		limits = []models.Limit{}
	}
	b, err := json.Marshal(limits)
	if err != nil {
		return "", fmt.Errorf("encode limits: %w", err)
	}
	return string(b), nil
}

func decodeLimits(raw string) ([]models.Limit, error) {
	limits := []models.Limit{}
	if raw == "" {
		return limits, nil
	}
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	return limits, nil
}
