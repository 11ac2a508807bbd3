package global

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sampleInput struct {
	Objective string `validate:"required,no_xss"`
	Action    string `validate:"omitempty,action_type"`
	Tenant    string `validate:"tenant_id"`
}

func TestInitValidator(t *testing.T) {
	InitValidator()

	t.Run("Input hợp lệ", func(t *testing.T) {
		err := Validate.Struct(sampleInput{Objective: "dispatch loads", Action: "billing.export_ready", Tenant: "acme-1"})
		assert.NoError(t, err)
	})

	t.Run("Chặn XSS", func(t *testing.T) {
		err := Validate.Struct(sampleInput{Objective: "<script>alert(1)</script>"})
		assert.Error(t, err)
	})

	t.Run("Action ngoài tập cố định", func(t *testing.T) {
		err := Validate.Struct(sampleInput{Objective: "x", Action: "fleet.sell_trucks"})
		assert.Error(t, err)
	})

	t.Run("Tenant sai định dạng", func(t *testing.T) {
		err := Validate.Struct(sampleInput{Objective: "x", Tenant: "bad tenant!"})
		assert.Error(t, err)
	})
}
