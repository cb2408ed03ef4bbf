// Package generator produces synthetic work records for the driver to submit.
package generator

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// Record is one synthetic unit of work, shaped like a row bound for a
// downstream store.
type Record struct {
	ID        uuid.UUID `json:"id"`
	Customer  string    `json:"customer"`
	Email     string    `json:"email"`
	Product   string    `json:"product"`
	Quantity  int       `json:"quantity"`
	UnitPrice float64   `json:"unitPrice"`
	CreatedAt time.Time `json:"createdAt"`
}

// Generator produces Records.
//
// Thread Safety: NOT safe for concurrent use; the driver owns one generator
// per submission loop.
type Generator struct {
	faker   *gofakeit.Faker
	nowFunc func() time.Time
}

// New creates a generator. A zero seed gives nondeterministic output.
func New(seed uint64) *Generator {
	return &Generator{
		faker:   gofakeit.New(seed),
		nowFunc: time.Now,
	}
}

// Next produces a new record.
func (g *Generator) Next() Record {
	return Record{
		ID:        uuid.New(),
		Customer:  g.faker.Name(),
		Email:     g.faker.Email(),
		Product:   g.faker.ProductName(),
		Quantity:  g.faker.Number(1, 20),
		UnitPrice: g.faker.Price(0.5, 500),
		CreatedAt: g.nowFunc(),
	}
}
