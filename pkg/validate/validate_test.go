package validate

import (
	"testing"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

type card struct {
	Number string `json:"card_number" validate:"required,numeric,min=12,max=19"`
	Name   string `json:"cardholder_name" validate:"required"`
}

type nested struct {
	Cards []card `json:"cards" validate:"dive"`
}

func TestStruct_OK(t *testing.T) {
	if err := Struct(&card{Number: "4111111111111111", Name: "Ann Lee"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStruct_DetailsUseJSONNames(t *testing.T) {
	err := Struct(&card{Number: "41x1"})
	if !errorx.Is(err, errorx.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got := map[string]bool{}
	for _, d := range errorx.DetailsOf(err) {
		got[d.Path] = true
	}
	if !got["card_number"] || !got["cardholder_name"] {
		t.Errorf("unexpected details %+v", errorx.DetailsOf(err))
	}
}

func TestStruct_NestedPath(t *testing.T) {
	err := Struct(&nested{Cards: []card{{Number: "4111111111111111", Name: "A"}, {Number: "4111111111111111"}}})
	details := errorx.DetailsOf(err)
	if len(details) != 1 || details[0].Path != "cards[1].cardholder_name" {
		t.Fatalf("unexpected details %+v", details)
	}
}
