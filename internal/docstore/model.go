package docstore

import (
	"fmt"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Restaurant mirrors the documents of the sample_restaurants dataset.
type Restaurant struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Address      Address            `bson:"address" json:"address"`
	Borough      string             `bson:"borough" json:"borough"`
	Cuisine      string             `bson:"cuisine" json:"cuisine"`
	Grades       []Grade            `bson:"grades" json:"grades"`
	Name         string             `bson:"name" json:"name"`
	RestaurantID string             `bson:"restaurant_id" json:"restaurant_id"`
}

type Address struct {
	Building string    `bson:"building" json:"building"`
	Street   string    `bson:"street" json:"street"`
	Zipcode  string    `bson:"zipcode" json:"zipcode"`
	Coord    []float64 `bson:"coord" json:"coord"`
}

type Grade struct {
	Date  time.Time `bson:"date" json:"date"`
	Grade string    `bson:"grade" json:"grade"`
	Score int       `bson:"score" json:"score"`
}

var (
	sampleBoroughs = []string{"Bronx", "Brooklyn", "Manhattan", "Queens", "Staten Island"}
	sampleCuisines = []string{"American", "Chinese", "Italian", "Mexican", "Thai", "Bakery"}
	sampleStreets  = []string{"Morris Park Ave", "Flatbush Avenue", "Stillwell Avenue", "Broadway"}
	sampleGrades   = []string{"A", "B", "C"}
)

// RandomRestaurantID returns a restaurant_id in the dataset's shape.
func RandomRestaurantID() string {
	return fmt.Sprintf("%08d", rand.Intn(100_000_000))
}

// NewSampleRestaurant builds a restaurant with random but plausible values.
// The ID is left zero so the server assigns one.
func NewSampleRestaurant(name string) Restaurant {
	grades := make([]Grade, 1+rand.Intn(3))
	for i := range grades {
		grades[i] = Grade{
			Date:  time.Now().UTC().Truncate(time.Millisecond).AddDate(0, -i, 0),
			Grade: sampleGrades[rand.Intn(len(sampleGrades))],
			Score: rand.Intn(30),
		}
	}
	return Restaurant{
		Address: Address{
			Building: fmt.Sprintf("%d", 1+rand.Intn(9999)),
			Street:   sampleStreets[rand.Intn(len(sampleStreets))],
			Zipcode:  fmt.Sprintf("1%04d", rand.Intn(10000)),
			Coord:    []float64{-74 + rand.Float64(), 40 + rand.Float64()},
		},
		Borough:      sampleBoroughs[rand.Intn(len(sampleBoroughs))],
		Cuisine:      sampleCuisines[rand.Intn(len(sampleCuisines))],
		Grades:       grades,
		Name:         name,
		RestaurantID: RandomRestaurantID(),
	}
}
