package geo

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"hydroprep/internal/core"
)

// ShapeKind is the single geometry type a shapefile holds.
type ShapeKind string

const (
	ShapePoint   ShapeKind = "Point"
	ShapeLine    ShapeKind = "LineString"
	ShapePolygon ShapeKind = "Polygon"
)

// FieldType is a dBase attribute type.
type FieldType int

// Types are ordered from narrowest to widest.
const (
	FieldInt FieldType = iota
	FieldFloat
	FieldString
)

// Field describes one attribute column.
type Field struct {
	Name string
	Type FieldType
}

// IntFields returns integer columns named names, in order.
func IntFields(names ...string) []Field {
	out := make([]Field, len(names))
	for i, n := range names {
		out[i] = Field{Name: n, Type: FieldInt}
	}
	return out
}

// InferFields derives a column per property key, sorted by name. A column is
// an integer when every value is a whole number, a float when every value is
// numeric, and a string otherwise.
func InferFields(s *Set) []Field {
	types := map[string]FieldType{}
	for _, f := range s.Features {
		for k, v := range f.Properties {
			if t, prev := valueType(v), types[k]; t > prev {
				types[k] = t
			} else if _, seen := types[k]; !seen {
				types[k] = t
			}
		}
	}
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Field, len(names))
	for i, n := range names {
		out[i] = Field{Name: n, Type: types[n]}
	}
	return out
}

func valueType(v any) FieldType {
	switch v := v.(type) {
	case int, int32, int64:
		return FieldInt
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return FieldInt
		}
		return FieldFloat
	case float32:
		return FieldFloat
	default:
		return FieldString
	}
}

// WriteShapefile writes s to path as a shapefile of the given kind. Every
// feature must have that kind (or its multi-part form for lines and
// polygons); anything else is a FormatConstraintError. The bundle is built in
// a staging directory and committed with the .shp last. A .prj is written
// when the set carries a CRS.
func WriteShapefile(path string, s *Set, kind ShapeKind, fields []Field) error {
	if err := checkKind(path, s, kind); err != nil {
		return err
	}
	st, err := core.NewStaging(path)
	if err != nil {
		return err
	}
	defer st.Cleanup()

	if err := writeShp(st.Path(), s, kind, fields); err != nil {
		return err
	}
	if s.CRS != "" {
		prj := strings.TrimSuffix(st.Path(), filepath.Ext(st.Path())) + ".prj"
		if err := os.WriteFile(prj, []byte(s.CRS), 0o644); err != nil {
			return err
		}
	}
	return st.Commit()
}

func checkKind(path string, s *Set, kind ShapeKind) error {
	allowed := map[ShapeKind][]string{
		ShapePoint:   {"Point"},
		ShapeLine:    {"LineString", "MultiLineString"},
		ShapePolygon: {"Polygon", "MultiPolygon"},
	}[kind]
	if allowed == nil {
		return fmt.Errorf("unsupported shape kind %q", kind)
	}
	types := s.GeometryTypes()
	for _, t := range types {
		ok := false
		for _, a := range allowed {
			ok = ok || t == a
		}
		if !ok {
			return &core.FormatConstraintError{Path: filepath.Base(path), Types: types}
		}
	}
	return nil
}

func writeShp(path string, s *Set, kind ShapeKind, fields []Field) error {
	shapeType := map[ShapeKind]shp.ShapeType{
		ShapePoint:   shp.POINT,
		ShapeLine:    shp.POLYLINE,
		ShapePolygon: shp.POLYGON,
	}[kind]
	w, err := shp.Create(path, shapeType)
	if err != nil {
		return core.External("shapefile", "create "+filepath.Base(path), err)
	}
	defer w.Close()

	dbf := make([]shp.Field, len(fields))
	for i, f := range fields {
		name := f.Name
		if len(name) > 10 {
			name = name[:10]
		}
		switch f.Type {
		case FieldInt:
			dbf[i] = shp.NumberField(name, 10)
		case FieldFloat:
			dbf[i] = shp.FloatField(name, 19, 8)
		default:
			dbf[i] = shp.StringField(name, 254)
		}
	}
	if err := w.SetFields(dbf); err != nil {
		return core.External("shapefile", "set fields", err)
	}

	for _, f := range s.Features {
		row := int(w.Write(toShape(f.Geometry)))
		for i, fd := range fields {
			v, ok := f.Properties[fd.Name]
			if !ok || v == nil {
				continue
			}
			if err := w.WriteAttribute(row, i, attrValue(v, fd.Type)); err != nil {
				return core.External("shapefile", "write attribute "+fd.Name, err)
			}
		}
	}
	return nil
}

func attrValue(v any, t FieldType) any {
	switch t {
	case FieldInt:
		switch n := v.(type) {
		case int:
			return n
		case int32:
			return int(n)
		case int64:
			return int(n)
		case float64:
			return int(n)
		case float32:
			return int(n)
		}
	case FieldFloat:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		case float64:
			return n
		case float32:
			return float64(n)
		}
	}
	return fmt.Sprint(v)
}

func toShape(g orb.Geometry) shp.Shape {
	switch g := g.(type) {
	case orb.Point:
		return &shp.Point{X: g[0], Y: g[1]}
	case orb.LineString:
		return shp.NewPolyLine([][]shp.Point{shpPoints(g)})
	case orb.MultiLineString:
		parts := make([][]shp.Point, len(g))
		for i, ls := range g {
			parts[i] = shpPoints(ls)
		}
		return shp.NewPolyLine(parts)
	case orb.Polygon:
		return polygonShape(orb.MultiPolygon{g})
	case orb.MultiPolygon:
		return polygonShape(g)
	}
	return &shp.Null{}
}

// polygonShape writes outer rings clockwise and holes counter-clockwise, as
// the shapefile format requires.
func polygonShape(mp orb.MultiPolygon) shp.Shape {
	var parts [][]shp.Point
	for _, poly := range mp {
		for i, r := range poly {
			ring := append(orb.Ring(nil), r...)
			wantCW := i == 0
			if (ring.Orientation() == orb.CW) != wantCW {
				ring.Reverse()
			}
			parts = append(parts, shpPoints(ring))
		}
	}
	p := shp.Polygon(*shp.NewPolyLine(parts))
	return &p
}

func shpPoints[T ~[]orb.Point](pts T) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

// ReadShapefile reads a shapefile and its .prj, if present. Attribute values
// are parsed as numbers when the column is numeric.
func ReadShapefile(path string) (*Set, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, core.External("shapefile", "open "+filepath.Base(path), err)
	}
	defer r.Close()

	s := &Set{}
	if prj, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"); err == nil {
		s.CRS = strings.TrimSpace(string(prj))
	}

	fields := r.Fields()
	for r.Next() {
		n, shape := r.Shape()
		props := make(map[string]any, len(fields))
		for i, f := range fields {
			props[fieldName(f)] = parseAttr(r.ReadAttribute(n, i), f.Fieldtype)
		}
		g := fromShape(shape)
		if g == nil {
			continue
		}
		s.Features = append(s.Features, Feature{Geometry: g, Properties: props})
	}
	if err := r.Err(); err != nil {
		return nil, core.External("shapefile", "read "+filepath.Base(path), err)
	}
	return s, nil
}

func fieldName(f shp.Field) string {
	return strings.TrimRight(string(f.Name[:]), "\x00")
}

func parseAttr(raw string, fieldType byte) any {
	raw = strings.TrimSpace(raw)
	if fieldType == 'N' || fieldType == 'F' {
		if i, err := strconv.Atoi(raw); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

func fromShape(s shp.Shape) orb.Geometry {
	switch s := s.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PolyLine:
		parts := splitParts(s.Parts, s.Points)
		if len(parts) == 1 {
			return orb.LineString(parts[0])
		}
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls
	case *shp.Polygon:
		var mp orb.MultiPolygon
		for _, part := range splitParts(s.Parts, s.Points) {
			ring := orb.Ring(part)
			if ring.Orientation() == orb.CW || len(mp) == 0 {
				mp = append(mp, orb.Polygon{ring})
				continue
			}
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
		}
		if len(mp) == 1 {
			return mp[0]
		}
		return mp
	}
	return nil
}

func splitParts(starts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(starts))
	for i, start := range starts {
		end := len(pts)
		if i+1 < len(starts) {
			end = int(starts[i+1])
		}
		part := make([]orb.Point, 0, end-int(start))
		for _, p := range pts[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}
