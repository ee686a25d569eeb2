// Package directory exposes the party records owned by the record management
// service. The fulfillment engine only reads display and contact fields.
package directory

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("directory record not found")

type Client struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	CellPhone string `json:"cell_phone"`
}

// FullName joins first and last name
func (c *Client) FullName() string { return joinName(c.FirstName, c.LastName) }

type Patient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Vet struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// FullName joins first and last name
func (v *Vet) FullName() string { return joinName(v.FirstName, v.LastName) }

type Pharmacy struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Directory reads party records
type Directory interface {
	Client(ctx context.Context, id string) (*Client, error)
	Patient(ctx context.Context, id string) (*Patient, error)
	Vet(ctx context.Context, id string) (*Vet, error)
	Pharmacy(ctx context.Context, id string) (*Pharmacy, error)
}

func joinName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
