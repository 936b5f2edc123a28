package domain

import "encoding/json"

// AnalysisParameters carries the model choice and time-window settings of a
// request. Upstream platforms attach extra model-specific keys; those are
// preserved verbatim in Extra and flattened back on marshal.
type AnalysisParameters struct {
	Source string
	TMin   float64
	TMax   float64
	DT     float64
	Extra  map[string]any
}

// MarshalJSON flattens the known fields and Extra into a single object.
func (p AnalysisParameters) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["source"] = p.Source
	m["tmin"] = p.TMin
	m["tmax"] = p.TMax
	m["dt"] = p.DT
	return json.Marshal(m)
}

// UnmarshalJSON splits the known fields out of the object and keeps the
// remainder in Extra.
func (p *AnalysisParameters) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*p = ParametersFromMap(m)
	return nil
}

// ParametersFromMap builds AnalysisParameters from a decoded JSON object.
func ParametersFromMap(m map[string]any) AnalysisParameters {
	p := AnalysisParameters{Extra: make(map[string]any)}
	for k, v := range m {
		switch k {
		case "source":
			if s, ok := v.(string); ok {
				p.Source = s
			}
		case "tmin":
			p.TMin = toFloat(v)
		case "tmax":
			p.TMax = toFloat(v)
		case "dt":
			p.DT = toFloat(v)
		default:
			p.Extra[k] = v
		}
	}
	if len(p.Extra) == 0 {
		p.Extra = nil
	}
	return p
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
