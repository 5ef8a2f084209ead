package docstore

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Canned operations used by the seed tool.

// SampleRestaurantID is the restaurant_id the single-document operations target.
const SampleRestaurantID = "restaurantId"

// InsertManyNames are the names given to CopyFirst copies.
var InsertManyNames = []string{"Insert Many Restaurant first", "Insert Many Restaurant second"}

// ByRestaurantID matches a single restaurant.
func ByRestaurantID(id string) bson.D {
	return bson.D{{Key: "restaurant_id", Value: id}}
}

// SetRestaurantID assigns a new restaurant_id.
func SetRestaurantID(id string) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "restaurant_id", Value: id}}}}
}

// ByCuisine matches all restaurants serving cuisine.
func ByCuisine(cuisine string) bson.D {
	return bson.D{{Key: "cuisine", Value: cuisine}}
}

// Relocate moves restaurants to a new cuisine and borough.
func Relocate(cuisine, borough string) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "cuisine", Value: cuisine},
		{Key: "borough", Value: borough},
	}}}
}

// SeededDocuments matches what the seed tool inserted: names starting with
// "Insert" or restaurant ids starting with "restaurant".
func SeededDocuments() bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "name", Value: primitive.Regex{Pattern: "^Insert"}}},
		bson.D{{Key: "restaurant_id", Value: primitive.Regex{Pattern: "^restaurant"}}},
	}}}
}
