package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workitem-pipeline/internal/artifacts"
	"workitem-pipeline/internal/models"
)

func TestValidateOrder(t *testing.T) {
	cases := []struct {
		name    string
		payload models.Payload
		kind    models.FailureKind
		code    string
	}{
		{"valid lower bound", models.Payload{"Name": "a", "Zip": 1000, "Product": "p"}, "", ""},
		{"valid upper bound", models.Payload{"Name": "a", "Zip": 9999.0, "Product": "p"}, "", ""},
		{"zip below range", models.Payload{"Name": "a", "Zip": 999, "Product": "p"}, models.KindBusiness, models.CodeInvalidOrder},
		{"zip above range", models.Payload{"Name": "a", "Zip": 10000, "Product": "p"}, models.KindBusiness, models.CodeInvalidOrder},
		{"missing name", models.Payload{"Zip": 1234, "Product": "p"}, models.KindApplication, models.CodeMissingField},
		{"missing zip", models.Payload{"Name": "a", "Product": "p"}, models.KindApplication, models.CodeMissingField},
		{"presence before range", models.Payload{"Name": "a", "Zip": 5}, models.KindApplication, models.CodeMissingField},
		{"zip not a number", models.Payload{"Name": "a", "Zip": "12ab", "Product": "p"}, models.KindApplication, models.CodeInvalidField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateOrder(tc.payload)
			if tc.code == "" {
				require.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tc.kind, err.Failure.Kind)
			assert.Equal(t, tc.code, err.Failure.Code)
		})
	}
}

func TestOrderPayloadMapsItemToProduct(t *testing.T) {
	p := OrderPayload(artifacts.Row{"Name": "Alice", "Zip": "1234", "Item": "Widget", "Extra": "ignored"})
	assert.Equal(t, models.Payload{"Name": "Alice", "Zip": 1234, "Product": "Widget"}, p)

	p = OrderPayload(artifacts.Row{"Name": "Bob", "Zip": "12-34"})
	assert.Equal(t, models.Payload{"Name": "Bob", "Zip": "12-34"}, p)
}
