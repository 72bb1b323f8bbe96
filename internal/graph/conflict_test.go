package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectConflict(t *testing.T) {
	tests := []struct {
		name     string
		pos, neg Binding
		want     bool
	}{
		{
			name: "both connected to same node",
			pos:  Binding{"3", "6", BindingConnected, "text"},
			neg:  Binding{"3", "6", BindingConnected, "text"},
			want: true,
		},
		{
			name: "different targets",
			pos:  Binding{"3", "6", BindingConnected, "text"},
			neg:  Binding{"3", "7", BindingConnected, "text"},
		},
		{
			name: "negative uses text on positive target",
			pos:  Binding{"3", "6", BindingConnected, "positive"},
			neg:  Binding{"6", "6", BindingDirect, "text"},
			want: true,
		},
		{
			name: "direct fields on one node",
			pos:  Binding{"1", "1", BindingDirect, "positive"},
			neg:  Binding{"1", "1", BindingDirect, "negative"},
		},
		{
			name: "empty target never conflicts",
			pos:  Binding{},
			neg:  Binding{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DetectConflict(tt.pos, tt.neg)
			assert.Equal(t, tt.want, c != nil)
			if c != nil {
				assert.Equal(t, tt.pos.TargetNodeID, c.TargetNodeID)
				assert.NotEmpty(t, c.String())
			}
		})
	}
}

func TestPositiveEditWinsSharedField(t *testing.T) {
	g := mustParse(t, sharedGraph)

	edit, err := SetRoleValue(g, RolePositive, "a dog")
	require.NoError(t, err)
	require.NotNil(t, edit.Conflict)
	assert.True(t, edit.ClearNegative)

	pos, _ := FindRoleValue(g, RolePositive)
	neg, ok := FindRoleValue(g, RoleNegative)
	assert.Equal(t, "a dog", pos)
	assert.True(t, ok)
	assert.Equal(t, "", neg)
	assert.Equal(t, Literal{V: "a dog"}, g["6"].Inputs["text"])
}

func TestPositiveEditClearsDistinctNegativeField(t *testing.T) {
	g := mustParse(t, `{
		"3": {"class_type": "KSampler", "inputs": {"positive": ["5", 0], "negative": ["5", 0]}},
		"5": {"class_type": "DualPrompt", "inputs": {"positive": "sunny", "negative": "rain"}}
	}`)

	edit, err := SetRoleValue(g, RolePositive, "storm")
	require.NoError(t, err)
	require.NotNil(t, edit.Conflict)

	assert.Equal(t, Literal{V: "storm"}, g["5"].Inputs["positive"])
	assert.Equal(t, Literal{V: ""}, g["5"].Inputs["negative"])
}

func TestNegativeEditRejectedWhenConflicting(t *testing.T) {
	g := mustParse(t, sharedGraph)

	edit, err := SetRoleValue(g, RoleNegative, "ugly")
	assert.ErrorIs(t, err, ErrNegativeConflict)
	assert.True(t, edit.ClearNegative)
	assert.Equal(t, Literal{V: "a cat"}, g["6"].Inputs["text"])

	neg, _ := FindRoleValue(g, RoleNegative)
	assert.Equal(t, "", neg)
}

func TestNegativeFallbackIsSacrificedToPositive(t *testing.T) {
	g := mustParse(t, positiveOnlyGraph)

	neg, ok := FindRoleValue(g, RoleNegative)
	assert.True(t, ok)
	assert.Equal(t, "", neg)

	_, err := SetRoleValue(g, RoleNegative, "ugly")
	assert.ErrorIs(t, err, ErrNegativeConflict)

	pos, _ := FindRoleValue(g, RolePositive)
	assert.Equal(t, "a cat", pos)
}

func TestResolveConflictIgnoresEmptyPositive(t *testing.T) {
	g := mustParse(t, sharedGraph)
	assert.Nil(t, ResolveConflict(g, ""))
	assert.Equal(t, Literal{V: "a cat"}, g["6"].Inputs["text"])
}

func TestResolveOnLoad(t *testing.T) {
	t.Run("positive content wins", func(t *testing.T) {
		g := mustParse(t, `{
			"3": {"class_type": "KSampler", "inputs": {"positive": ["5", 0], "negative": ["5", 0]}},
			"5": {"class_type": "DualPrompt", "inputs": {"positive": "sunny", "negative": "rain"}}
		}`)
		require.NotNil(t, ResolveOnLoad(g))
		assert.Equal(t, Literal{V: "sunny"}, g["5"].Inputs["positive"])
		assert.Equal(t, Literal{V: ""}, g["5"].Inputs["negative"])
	})

	t.Run("negative only content is cleared", func(t *testing.T) {
		g := mustParse(t, `{
			"3": {"class_type": "KSampler", "inputs": {"positive": ["5", 0], "negative": ["5", 0]}},
			"5": {"class_type": "DualPrompt", "inputs": {"positive": "", "negative": "rain"}}
		}`)
		c := ResolveOnLoad(g)
		require.NotNil(t, c)
		assert.Equal(t, "positive", c.Positive.FieldName)
		assert.Equal(t, Literal{V: ""}, g["5"].Inputs["negative"])
		assert.NotContains(t, g["5"].Inputs, "text")
	})

	t.Run("text field wins over distinct fields", func(t *testing.T) {
		g := mustParse(t, `{
			"3": {"class_type": "KSampler", "inputs": {"positive": ["5", 0], "negative": ["5", 0]}},
			"5": {"class_type": "DualPrompt", "inputs": {"positive": "", "negative": "rain", "text": "old"}}
		}`)
		c := ResolveOnLoad(g)
		require.NotNil(t, c)
		assert.Equal(t, "text", c.Positive.FieldName)
		assert.Equal(t, Literal{V: "old"}, g["5"].Inputs["text"])
	})

	t.Run("shared text keeps positive content", func(t *testing.T) {
		g := mustParse(t, sharedGraph)
		require.NotNil(t, ResolveOnLoad(g))
		assert.Equal(t, Literal{V: "a cat"}, g["6"].Inputs["text"])
	})

	t.Run("no conflict", func(t *testing.T) {
		g := mustParse(t, connectedGraph)
		assert.Nil(t, ResolveOnLoad(g))
	})
}
