package model

import "go.mongodb.org/mongo-driver/v2/bson"

// SortSpec is whatever Find's QueryOptions.Sort accepts: a bson.D for
// ordered multi-field sorts, a map[string]int when order doesn't matter,
// or nil for the driver's default ordering.
type SortSpec any

// SortAsc creates an ascending sort specification for a single field.
func SortAsc(field string) bson.D {
	return bson.D{{Key: field, Value: 1}}
}

// SortDesc creates a descending sort specification for a single field.
func SortDesc(field string) bson.D {
	return bson.D{{Key: field, Value: -1}}
}

// SortMultiple builds a sort specification from a map of field:order
// pairs. Go maps are unordered, so prefer SortMultipleOrdered or a literal
// bson.D when the relative order between fields matters.
func SortMultiple(fields map[string]int) bson.D {
	result := make(bson.D, 0, len(fields))
	for field, order := range fields {
		result = append(result, bson.E{Key: field, Value: order})
	}
	return result
}

// SortMultipleOrdered builds an ordered sort specification from
// alternating field/order pairs: SortMultipleOrdered("created_at", -1,
// "name", 1).
func SortMultipleOrdered(fieldOrderPairs ...any) bson.D {
	if len(fieldOrderPairs)%2 != 0 {
		panic("SortMultipleOrdered requires an even number of arguments (field, order pairs)")
	}

	result := make(bson.D, 0, len(fieldOrderPairs)/2)
	for i := 0; i < len(fieldOrderPairs); i += 2 {
		field, ok := fieldOrderPairs[i].(string)
		if !ok {
			panic("SortMultipleOrdered field must be string")
		}
		order, ok := fieldOrderPairs[i+1].(int)
		if !ok {
			panic("SortMultipleOrdered order must be int")
		}
		result = append(result, bson.E{Key: field, Value: order})
	}
	return result
}

// Document builds a bson.M from alternating key/value pairs:
// Document("name", "John", "age", 30).
func Document(keyValuePairs ...any) bson.M {
	if len(keyValuePairs)%2 != 0 {
		panic("Document requires an even number of arguments (key, value pairs)")
	}

	result := make(bson.M)
	for i := 0; i < len(keyValuePairs); i += 2 {
		key, ok := keyValuePairs[i].(string)
		if !ok {
			panic("Document key must be string")
		}
		result[key] = keyValuePairs[i+1]
	}
	return result
}

// ProjectionSpec is a fragment of field inclusion/exclusion, produced by
// Include/Exclude and combined by Projection.
type ProjectionSpec bson.D

// Include creates a projection spec that includes the given fields.
func Include(fields ...string) ProjectionSpec {
	result := make(bson.D, len(fields))
	for i, field := range fields {
		result[i] = bson.E{Key: field, Value: 1}
	}
	return ProjectionSpec(result)
}

// Exclude creates a projection spec that excludes the given fields.
func Exclude(fields ...string) ProjectionSpec {
	result := make(bson.D, len(fields))
	for i, field := range fields {
		result[i] = bson.E{Key: field, Value: 0}
	}
	return ProjectionSpec(result)
}

// Projection combines Include/Exclude fragments into the bson.D Find's
// QueryOptions.Projection passes to the driver:
// Projection(Include("name", "email"), Exclude("_id")).
func Projection(specs ...ProjectionSpec) bson.D {
	result := bson.D{}
	for _, spec := range specs {
		result = append(result, spec...)
	}
	return result
}

// convertSortSpec normalizes a SortSpec into the bson.D the driver's
// options.Find().SetSort expects.
func convertSortSpec(sort SortSpec) bson.D {
	switch s := sort.(type) {
	case bson.D:
		return s
	case map[string]int:
		return SortMultiple(s)
	case nil:
		return bson.D{}
	default:
		panic("invalid sort specification: must be bson.D or map[string]int")
	}
}
