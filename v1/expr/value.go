package expr

import (
	"bytes"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// missingValue marks a field that is absent, as opposed to present and null.
type missingValue struct{}

// Missing is returned by Eval and GetPath for absent fields.
var Missing interface{} = missingValue{}

// IsMissing reports whether v is the Missing marker.
func IsMissing(v interface{}) bool {
	_, ok := v.(missingValue)
	return ok
}

// IsNullish reports whether v is nil or Missing.
func IsNullish(v interface{}) bool {
	return v == nil || IsMissing(v)
}

// Normalize converts v into the canonical document form: maps and bson.D
// become bson.M, slices become bson.A, Go ints stay as they are. The input
// is never modified; nested containers are copied.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case bson.D:
		out := make(bson.M, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []bson.M:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []bson.D:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []string:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case []int:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case []float64:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case []bson.ObjectID:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

// NormalizeDoc is Normalize for documents. A nil or non-document input
// yields an empty bson.M.
func NormalizeDoc(v interface{}) bson.M {
	if m, ok := Normalize(v).(bson.M); ok {
		return m
	}
	return bson.M{}
}

// AsDoc returns v as a document when it is one.
func AsDoc(v interface{}) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]interface{}:
		return bson.M(t), true
	case bson.D:
		return NormalizeDoc(t), true
	}
	return nil, false
}

// AsArray returns v as an array when it is one.
func AsArray(v interface{}) (bson.A, bool) {
	switch t := v.(type) {
	case bson.A:
		return t, true
	case []interface{}:
		return bson.A(t), true
	case []bson.M, []bson.D, []string, []int, []float64, []bson.ObjectID:
		a, _ := Normalize(t).(bson.A)
		return a, true
	}
	return nil, false
}

// IsNumber reports whether v is one of the numeric kinds.
func IsNumber(v interface{}) bool {
	_, ok := toFloat(v)
	return ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isIntegral(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// AsInt64 converts any numeric value to int64, truncating floats.
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// AsFloat64 converts any numeric value to float64.
func AsFloat64(v interface{}) (float64, bool) {
	return toFloat(v)
}

// AsTime converts time.Time and bson.DateTime values.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case bson.DateTime:
		return t.Time(), true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}

// typeOrder is the cross-type sort order used by the store.
func typeOrder(v interface{}) int {
	switch t := v.(type) {
	case missingValue:
		return 0
	case nil:
		return 1
	case string:
		return 3
	case bson.M, map[string]interface{}, bson.D:
		return 4
	case bson.A, []interface{}:
		return 5
	case []byte, bson.Binary:
		return 6
	case bson.ObjectID:
		return 7
	case bool:
		return 8
	case time.Time, bson.DateTime:
		return 9
	case bson.Timestamp:
		return 10
	case bson.Regex:
		return 11
	default:
		if IsNumber(t) {
			return 2
		}
		return 12
	}
}

// Compare orders two values: negative when a < b, zero when equal,
// positive when a > b. Numbers compare by value across kinds; documents
// compare field by field in key order; arrays element by element.
func Compare(a, b interface{}) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return ta - tb
	}
	switch ta {
	case 0, 1:
		return 0
	case 2:
		if isIntegral(a) && isIntegral(b) {
			x, _ := AsInt64(a)
			y, _ := AsInt64(b)
			return cmpOrdered(x, y)
		}
		x, _ := toFloat(a)
		y, _ := toFloat(b)
		if math.IsNaN(x) || math.IsNaN(y) {
			switch {
			case math.IsNaN(x) && math.IsNaN(y):
				return 0
			case math.IsNaN(x):
				return -1
			default:
				return 1
			}
		}
		return cmpOrdered(x, y)
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 4:
		return compareDocs(NormalizeDoc(a), NormalizeDoc(b))
	case 5:
		x, _ := AsArray(a)
		y, _ := AsArray(b)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return len(x) - len(y)
	case 6:
		return bytes.Compare(binaryData(a), binaryData(b))
	case 7:
		x, y := a.(bson.ObjectID), b.(bson.ObjectID)
		return bytes.Compare(x[:], y[:])
	case 8:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case 9:
		x, _ := AsTime(a)
		y, _ := AsTime(b)
		return x.Compare(y)
	case 10:
		x, y := a.(bson.Timestamp), b.(bson.Timestamp)
		if x.T != y.T {
			return cmpOrdered(x.T, y.T)
		}
		return cmpOrdered(x.I, y.I)
	}
	return strings.Compare(stringOf(a), stringOf(b))
}

func binaryData(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case bson.Binary:
		return t.Data
	}
	return nil
}

func stringOf(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func cmpOrdered[T int64 | float64 | uint32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareDocs(a, b bson.M) int {
	ka, kb := SortedKeys(a), SortedKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return len(ka) - len(kb)
}

// Equal reports whether Compare(a, b) == 0. Missing equals only Missing.
func Equal(a, b interface{}) bool {
	return Compare(a, b) == 0
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m bson.M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SplitPath splits a dotted path. An empty path yields no segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath resolves a dotted path against v using aggregation semantics:
// traversing an array maps the remaining path over its document elements
// and yields an array of the results. Absent fields yield Missing.
func GetPath(v interface{}, path string) interface{} {
	return getParts(v, SplitPath(path))
}

func getParts(v interface{}, parts []string) interface{} {
	if len(parts) == 0 {
		return v
	}
	if doc, ok := AsDoc(v); ok {
		next, found := doc[parts[0]]
		if !found {
			return Missing
		}
		return getParts(next, parts[1:])
	}
	if arr, ok := AsArray(v); ok {
		out := bson.A{}
		for _, el := range arr {
			if _, isDoc := AsDoc(el); !isDoc {
				if _, isArr := AsArray(el); !isArr {
					continue
				}
			}
			r := getParts(el, parts)
			if IsMissing(r) {
				continue
			}
			out = append(out, r)
		}
		return out
	}
	return Missing
}

// LookupQuery resolves a dotted path using query semantics: numeric segments
// index arrays, other segments over an array fan out to each document
// element. It returns every candidate value reached; terminal arrays are
// returned whole and left for the caller to expand.
func LookupQuery(v interface{}, path string) []interface{} {
	return lookupQuery(v, SplitPath(path))
}

func lookupQuery(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		return []interface{}{v}
	}
	if doc, ok := AsDoc(v); ok {
		next, found := doc[parts[0]]
		if !found {
			return []interface{}{Missing}
		}
		return lookupQuery(next, parts[1:])
	}
	if arr, ok := AsArray(v); ok {
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx >= 0 && idx < len(arr) {
				return lookupQuery(arr[idx], parts[1:])
			}
			return []interface{}{Missing}
		}
		var out []interface{}
		for _, el := range arr {
			if _, isDoc := AsDoc(el); isDoc {
				out = append(out, lookupQuery(el, parts)...)
			}
		}
		if len(out) == 0 {
			return []interface{}{Missing}
		}
		return out
	}
	return []interface{}{Missing}
}

// SetPath assigns value at a dotted path, creating intermediate documents.
// Numeric segments index existing arrays; other segments applied to an
// array assign inside every document element.
func SetPath(doc bson.M, path string, value interface{}) {
	setParts(doc, SplitPath(path), value)
}

func setParts(doc bson.M, parts []string, value interface{}) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		if IsMissing(value) {
			delete(doc, parts[0])
			return
		}
		doc[parts[0]] = value
		return
	}
	next, ok := doc[parts[0]]
	if !ok || next == nil {
		child := bson.M{}
		doc[parts[0]] = child
		setParts(child, parts[1:], value)
		return
	}
	if child, ok := AsDoc(next); ok {
		if _, isM := next.(bson.M); !isM {
			doc[parts[0]] = child
		}
		setParts(child, parts[1:], value)
		return
	}
	if arr, ok := AsArray(next); ok {
		if idx, err := strconv.Atoi(parts[1]); err == nil {
			for len(arr) <= idx {
				arr = append(arr, nil)
			}
			if len(parts) == 2 {
				arr[idx] = value
			} else {
				child, ok := AsDoc(arr[idx])
				if !ok {
					child = bson.M{}
				}
				arr[idx] = child
				setParts(child, parts[2:], value)
			}
			doc[parts[0]] = arr
			return
		}
		for _, el := range arr {
			if child, ok := el.(bson.M); ok {
				setParts(child, parts[1:], value)
			}
		}
		doc[parts[0]] = arr
		return
	}
	child := bson.M{}
	doc[parts[0]] = child
	setParts(child, parts[1:], value)
}

// UnsetPath removes the value at a dotted path. Array elements are
// traversed like SetPath.
func UnsetPath(doc bson.M, path string) {
	unsetParts(doc, SplitPath(path))
}

func unsetParts(doc bson.M, parts []string) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		delete(doc, parts[0])
		return
	}
	next, ok := doc[parts[0]]
	if !ok {
		return
	}
	if child, ok := next.(bson.M); ok {
		unsetParts(child, parts[1:])
		return
	}
	if arr, ok := AsArray(next); ok {
		if idx, err := strconv.Atoi(parts[1]); err == nil {
			if idx < len(arr) {
				if len(parts) == 2 {
					arr[idx] = nil
				} else if child, ok := arr[idx].(bson.M); ok {
					unsetParts(child, parts[2:])
				}
			}
			return
		}
		for _, el := range arr {
			if child, ok := el.(bson.M); ok {
				unsetParts(child, parts[1:])
			}
		}
	}
}

// DeepCopy returns a normalized deep copy of doc.
func DeepCopy(doc bson.M) bson.M {
	return NormalizeDoc(doc)
}

// Truthy implements the store's boolean coercion: false, null, missing and
// numeric zero are false; everything else, including empty arrays, is true.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil, missingValue:
		return false
	case bool:
		return t
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// TypeName returns the store's type alias for v, as reported by $type.
func TypeName(v interface{}) string {
	switch v.(type) {
	case missingValue:
		return "missing"
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int8, int16, int32, uint8, uint16:
		return "int"
	case int64, uint32, uint, uint64:
		return "long"
	case float32, float64:
		return "double"
	case bson.ObjectID:
		return "objectId"
	case time.Time, bson.DateTime:
		return "date"
	case bson.M, map[string]interface{}, bson.D:
		return "object"
	case bson.A, []interface{}:
		return "array"
	case []byte, bson.Binary:
		return "binData"
	case bson.Regex:
		return "regex"
	case bson.Timestamp:
		return "timestamp"
	case bson.Decimal128:
		return "decimal"
	}
	return "unknown"
}

// CanonicalType returns the sort bracket of v. Query comparison operators
// only match values of the same bracket.
func CanonicalType(v interface{}) int {
	return typeOrder(v)
}

// HashKey returns a string that is equal for two values exactly when Equal
// reports them equal. It is used to group and deduplicate values.
func HashKey(v interface{}) string {
	var b strings.Builder
	writeHashKey(&b, v)
	return b.String()
}

func writeHashKey(b *strings.Builder, v interface{}) {
	switch typeOrder(v) {
	case 0, 1:
		if IsMissing(v) {
			b.WriteString("m")
			return
		}
		b.WriteString("z")
	case 2:
		f, _ := toFloat(v)
		if isIntegral(v) {
			i, _ := AsInt64(v)
			if float64(i) == f {
				b.WriteString("n" + strconv.FormatInt(i, 10))
				return
			}
		}
		if f == math.Trunc(f) && math.Abs(f) < 1e18 {
			b.WriteString("n" + strconv.FormatInt(int64(f), 10))
			return
		}
		b.WriteString("n" + strconv.FormatFloat(f, 'g', -1, 64))
	case 3:
		b.WriteString("s" + strconv.Quote(v.(string)))
	case 4:
		doc := NormalizeDoc(v)
		b.WriteString("{")
		for _, k := range SortedKeys(doc) {
			b.WriteString(strconv.Quote(k) + ":")
			writeHashKey(b, doc[k])
			b.WriteString(",")
		}
		b.WriteString("}")
	case 5:
		arr, _ := AsArray(v)
		b.WriteString("[")
		for _, el := range arr {
			writeHashKey(b, el)
			b.WriteString(",")
		}
		b.WriteString("]")
	case 7:
		b.WriteString("o" + v.(bson.ObjectID).Hex())
	case 8:
		b.WriteString("b" + strconv.FormatBool(v.(bool)))
	case 9:
		t, _ := AsTime(v)
		b.WriteString("t" + strconv.FormatInt(t.UnixMilli(), 10))
	default:
		b.WriteString("x" + TypeName(v) + ":" + stringOf(v))
		if data := binaryData(v); data != nil {
			b.WriteString(strconv.Quote(string(data)))
		}
	}
}
