package mongo

import (
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/burnshed/burnshed/burn"
	mongoc "github.com/burnshed/burnshed/features/vstore/mongo/clients/mongo"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

type codec struct {
	// encode maps a Go value onto a BSON-marshalable one. Nil means the
	// value marshals as-is.
	encode func(any) (any, error)
	// decode restores the Go value the pipeline stored.
	decode func(bson.RawValue) (any, error)
}

// fieldCodecs maps well-known field names to their Go types so reads return
// the same values the pipeline stored. The in-memory store gets this for free
// by keeping Go values; BSON needs the mapping spelled out. Unknown fields
// decode generically.
var fieldCodecs = map[string]codec{
	"request":   {decode: decodeInto[burn.Request]},
	"snapshot":  {decode: decodeInto[weather.Snapshot]},
	"result":    {encode: encodeResult, decode: decodeResult},
	"schedule":  {decode: decodeInto[schedule.Result]},
	"conflicts": {decode: decodeInto[[]conflict.Record]},
	"event":     {decode: decodeInto[events.Event]},
	"date":      {decode: decodeInto[time.Time]},
	"start":     {decode: decodeInto[time.Time]},
	"seq":       {decode: decodeInto[uint64]},
}

func decodeInto[T any](rv bson.RawValue) (any, error) {
	var v T
	if err := rv.Unmarshal(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// resultDoc mirrors plume.Result with string receptor-distance keys; BSON
// rejects integer map keys.
type resultDoc struct {
	RequestID       string                 `bson:"requestid"`
	Q               float64                `bson:"q"`
	EffectiveHeight float64                `bson:"effectiveheight"`
	SigmaY          float64                `bson:"sigmay"`
	SigmaZ          float64                `bson:"sigmaz"`
	MaxPM25         map[string]float64     `bson:"maxpm25,omitempty"`
	Footprint       []plume.Ray            `bson:"footprint,omitempty"`
	RadiusM         float64                `bson:"radiusm"`
	PoorDispersion  bool                   `bson:"poordispersion"`
	OutOfEnvelope   bool                   `bson:"outofenvelope"`
	Stability       weather.StabilityClass `bson:"stability"`
}

func encodeResult(v any) (any, error) {
	res, ok := v.(plume.Result)
	if !ok {
		return nil, fmt.Errorf("expected plume.Result, got %T", v)
	}
	doc := resultDoc{
		RequestID:       res.RequestID,
		Q:               res.Q,
		EffectiveHeight: res.EffectiveHeight,
		SigmaY:          res.SigmaY,
		SigmaZ:          res.SigmaZ,
		Footprint:       res.Footprint,
		RadiusM:         res.RadiusM,
		PoorDispersion:  res.PoorDispersion,
		OutOfEnvelope:   res.OutOfEnvelope,
		Stability:       res.Stability,
	}
	if len(res.MaxPM25) > 0 {
		doc.MaxPM25 = make(map[string]float64, len(res.MaxPM25))
		for km, c := range res.MaxPM25 {
			doc.MaxPM25[strconv.Itoa(km)] = c
		}
	}
	return doc, nil
}

func decodeResult(rv bson.RawValue) (any, error) {
	var doc resultDoc
	if err := rv.Unmarshal(&doc); err != nil {
		return nil, err
	}
	res := plume.Result{
		RequestID:       doc.RequestID,
		Q:               doc.Q,
		EffectiveHeight: doc.EffectiveHeight,
		SigmaY:          doc.SigmaY,
		SigmaZ:          doc.SigmaZ,
		Footprint:       doc.Footprint,
		RadiusM:         doc.RadiusM,
		PoorDispersion:  doc.PoorDispersion,
		OutOfEnvelope:   doc.OutOfEnvelope,
		Stability:       doc.Stability,
	}
	if len(doc.MaxPM25) > 0 {
		res.MaxPM25 = make(map[int]float64, len(doc.MaxPM25))
		for key, c := range doc.MaxPM25 {
			km, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("receptor distance %q: %w", key, err)
			}
			res.MaxPM25[km] = c
		}
	}
	return res, nil
}

func toDocument(rec vstore.Record) (mongoc.Document, error) {
	doc := mongoc.Document{ID: rec.ID, Vectors: rec.Vectors}
	if len(rec.Fields) > 0 {
		fields := make(map[string]any, len(rec.Fields))
		for key, v := range rec.Fields {
			if c, ok := fieldCodecs[key]; ok && c.encode != nil {
				enc, err := c.encode(v)
				if err != nil {
					return mongoc.Document{}, fmt.Errorf("field %s: %w", key, err)
				}
				v = enc
			}
			fields[key] = v
		}
		raw, err := bson.Marshal(fields)
		if err != nil {
			return mongoc.Document{}, err
		}
		doc.Fields = raw
	}
	return doc, nil
}

func fromDocument(doc mongoc.Document) (vstore.Record, error) {
	rec := vstore.Record{ID: doc.ID, Vectors: doc.Vectors}
	if len(doc.Fields) == 0 {
		return rec, nil
	}
	elems, err := doc.Fields.Elements()
	if err != nil {
		return vstore.Record{}, fmt.Errorf("row %s: corrupt fields: %w", doc.ID, err)
	}
	rec.Fields = make(vstore.Fields, len(elems))
	for _, el := range elems {
		key := el.Key()
		if c, ok := fieldCodecs[key]; ok && c.decode != nil {
			v, err := c.decode(el.Value())
			if err != nil {
				return vstore.Record{}, fmt.Errorf("row %s: field %s: %w", doc.ID, key, err)
			}
			rec.Fields[key] = v
			continue
		}
		var v any
		if err := el.Value().Unmarshal(&v); err != nil {
			return vstore.Record{}, fmt.Errorf("row %s: field %s: %w", doc.ID, key, err)
		}
		rec.Fields[key] = v
	}
	return rec, nil
}
