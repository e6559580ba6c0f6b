package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

func TestField_AcceptsNormalStrings(t *testing.T) {
	for _, v := range []string{
		"basic-plan",
		"Premium Plan 2026",
		"chat.completion",
		"usr_8f3a",
		"a plan for paid API access",
	} {
		assert.NoError(t, Field("name", v, MaxNameLength), v)
	}
}

func TestField_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"null byte", "plan\x00name"},
		{"control char", "plan\x1bname"},
		{"newline", "plan\nname"},
		{"leading whitespace", " plan"},
		{"trailing whitespace", "plan "},
		{"sql keyword", "DROP TABLE plans"},
		{"sql comment", "name -- comment"},
		{"html marker", "<script>alert(1)</script>"},
		{"html tag", "<b>bold plan</b>"},
		{"shell metachar", "plan;rm -rf"},
		{"backtick", "plan`id`"},
		{"path traversal", "../../etc/passwd"},
		{"windows traversal", `..\secrets`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Field("name", tc.value, MaxNameLength)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
		})
	}
}

func TestField_LengthCap(t *testing.T) {
	assert.NoError(t, Field("id", strings.Repeat("a", MaxIDLength), MaxIDLength))

	err := Field("id", strings.Repeat("a", MaxIDLength+1), MaxIDLength)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "id", appErr.Details["field"])
}

func TestRequiredField(t *testing.T) {
	err := RequiredField("user_id", "", MaxUserIDLength)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	assert.NoError(t, RequiredField("user_id", "usr_1", MaxUserIDLength))
}

func TestUserIDAndFeature(t *testing.T) {
	assert.Error(t, UserID(""))
	assert.NoError(t, UserID("agent-7"))
	assert.Error(t, Feature("feat<script>"))
	assert.NoError(t, Feature("chat"))
}
