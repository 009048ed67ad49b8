package database

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Coord is a latitude or longitude value. Submissions are accepted without
// range validation, so a Coord can legitimately hold NaN when the client sent
// something that is not a number. encoding/json refuses IEEE NaN, therefore
// we marshal it as null instead of rejecting the whole record.
type Coord float64

// NaN reports whether the coordinate failed numeric coercion.
func (c Coord) NaN() bool { return math.IsNaN(float64(c)) }

func (c Coord) MarshalJSON() ([]byte, error) {
	f := float64(c)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (c *Coord) UnmarshalJSON(data []byte) error {
	*c = ParseCoord(data)
	return nil
}

// ParseCoord coerces a raw JSON value (number, quoted string, null, or an
// absent field passed as nil) into a Coord. String input follows parseFloat
// semantics: the longest leading numeric prefix wins, anything else is NaN.
// Coercion never fails — a bad value becomes NaN and stays in the record.
func ParseCoord(raw json.RawMessage) Coord {
	nan := Coord(math.NaN())
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		// json.Unmarshal treats null as a no-op on a float target, which
		// would fabricate coordinate 0; catch the literal first.
		return nan
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return Coord(num)
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return nan
	}
	return Coord(parseFloatPrefix(str))
}

// parseFloatPrefix mimics the permissive numeric coercion of the web client:
// leading whitespace is skipped and the longest valid float prefix is parsed.
func parseFloatPrefix(s string) float64 {
	s = strings.TrimSpace(s)
	end := 0
	for i := len(s); i > 0; i-- {
		if _, err := strconv.ParseFloat(s[:i], 64); err == nil {
			end = i
			break
		}
	}
	if end == 0 {
		return math.NaN()
	}
	v, _ := strconv.ParseFloat(s[:end], 64)
	return v
}

// Location is one stored submission. The JSON key "_id" keeps the wire shape
// compatible with the original document-store records, so existing map
// clients keep working unchanged.
type Location struct {
	ID        int64  `json:"_id"`       // Assigned by the store on insert
	Name      string `json:"name"`      // Display label, "Anonymous" when the client sent none
	Lat       Coord  `json:"lat"`       // Latitude, unvalidated
	Lng       Coord  `json:"lng"`       // Longitude, unvalidated
	Timestamp string `json:"timestamp"` // RFC3339 UTC, stamped by the API at write time
}

// NormalizedName is the connection-group key: contributors are matched
// case-insensitively and surrounding whitespace is ignored.
func (l Location) NormalizedName() string {
	return strings.ToLower(strings.TrimSpace(l.Name))
}
