package summary

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// populate builds the pipeline computing the summary of each sample and
// merging it onto the sample. It runs on the frame collection for
// frame-level sources. Samples without values are left unset.
func populate(f Field, src *source, samples string) docstore.Pipeline {
	owner := "_id"
	if src.frames {
		owner = fields.FieldSampleID
	}

	var p docstore.Pipeline
	for _, list := range src.lists {
		p = append(p, docstore.Stage("$unwind", "$"+list))
	}
	values := []expr.Entry{
		expr.E("owner", expr.F(owner)),
		expr.E("value", expr.F(src.path)),
	}
	if src.groupBy != "" {
		values = append(values, expr.E("group", expr.F(src.groupBy)))
	}
	p = append(p,
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(values...))),
		docstore.Stage("$match", bson.M{"value": bson.M{"$ne": nil}}),
	)

	var summary expr.Expr
	switch {
	case f.Kind == Categorical:
		element := expr.F("_id.value")
		if f.IncludeCounts {
			element = expr.Object(
				expr.E(leafName(src.leaf, src.path), expr.F("_id.value")),
				expr.E("count", expr.F("count")),
			)
		}
		p = append(p,
			docstore.Stage("$group", bson.D{
				{Key: "_id", Value: bson.D{{Key: "owner", Value: "$owner"}, {Key: "value", Value: "$value"}}},
				{Key: "count", Value: bson.M{"$sum": 1}},
			}),
			docstore.Stage("$sort", bson.D{{Key: "_id.value", Value: 1}}),
			docstore.Stage("$group", bson.D{
				{Key: "_id", Value: "$_id.owner"},
				{Key: "values", Value: bson.M{"$push": expr.ToBSON(element)}},
			}),
		)
		summary = expr.F("values")

	case src.groupBy != "":
		p = append(p,
			docstore.Stage("$group", bson.D{
				{Key: "_id", Value: bson.D{{Key: "owner", Value: "$owner"}, {Key: "group", Value: "$group"}}},
				{Key: "min", Value: bson.M{"$min": "$value"}},
				{Key: "max", Value: bson.M{"$max": "$value"}},
			}),
			docstore.Stage("$sort", bson.D{{Key: "_id.group", Value: 1}}),
			docstore.Stage("$group", bson.D{
				{Key: "_id", Value: "$_id.owner"},
				{Key: "values", Value: bson.M{"$push": expr.ToBSON(expr.Object(
					expr.E(leafName(src.groupLeaf, src.groupBy), expr.F("_id.group")),
					expr.E("min", expr.F("min")),
					expr.E("max", expr.F("max")),
				))}},
			}),
		)
		summary = expr.F("values")

	default:
		p = append(p, docstore.Stage("$group", bson.D{
			{Key: "_id", Value: "$owner"},
			{Key: "min", Value: bson.M{"$min": "$value"}},
			{Key: "max", Value: bson.M{"$max": "$value"}},
		}))
		summary = expr.Object(expr.E("min", expr.F("min")), expr.E("max", expr.F("max")))
	}

	return append(p,
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E("_id", expr.F("_id")),
			expr.E(f.Name, summary),
		))),
		docstore.Stage("$merge", bson.M{
			"into":           samples,
			"on":             "_id",
			"whenMatched":    "merge",
			"whenNotMatched": "discard",
		}),
	)
}
