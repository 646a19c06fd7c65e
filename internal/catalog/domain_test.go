package catalog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"lendingdesk/internal/apperr"
)

func ptr[T any](v T) *T { return &v }

func TestNewItemValidation(t *testing.T) {
	valid := NewItem{SerialNo: " B-100 ", Title: "Dune", Creator: "Frank Herbert", CategoryCode: "SF"}
	valid.normalize()
	require.NoError(t, valid.validate())
	assert.Equal(t, "B-100", valid.SerialNo)
	assert.Equal(t, KindBook, valid.Kind)

	cases := map[string]NewItem{
		"missing serial":   {Title: "Dune", Creator: "FH", CategoryCode: "SF"},
		"missing title":    {SerialNo: "B-1", Creator: "FH", CategoryCode: "SF"},
		"missing creator":  {SerialNo: "B-1", Title: "Dune", CategoryCode: "SF"},
		"missing category": {SerialNo: "B-1", Title: "Dune", Creator: "FH"},
		"unknown kind":     {SerialNo: "B-1", Title: "Dune", Creator: "FH", CategoryCode: "SF", Kind: "VINYL"},
		"bad year":         {SerialNo: "B-1", Title: "Dune", Creator: "FH", CategoryCode: "SF", PublicationYear: ptr(0)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			in.normalize()
			assert.ErrorIs(t, in.validate(), apperr.ErrValidation)
		})
	}
}

func TestPatchMergesOnlyGivenFields(t *testing.T) {
	item := Item{ID: uuid.New(), SerialNo: "B-1", Title: "Dune", Creator: "FH", CategoryCode: "SF", Kind: KindBook, Availability: Available}

	got, err := ItemPatch{Title: ptr("Dune Messiah"), PublicationYear: ptr(1969)}.apply(item)
	require.NoError(t, err)

	assert.Equal(t, "Dune Messiah", got.Title)
	assert.Equal(t, 1969, *got.PublicationYear)
	assert.Equal(t, "B-1", got.SerialNo)
	assert.Equal(t, "FH", got.Creator)
	assert.Equal(t, Available, got.Availability)
	assert.Equal(t, "Dune", item.Title, "input item must not be mutated")
}

func TestPatchAvailabilityRules(t *testing.T) {
	base := Item{ID: uuid.New(), SerialNo: "B-1", Title: "Dune", Creator: "FH", CategoryCode: "SF", Kind: KindBook}

	t.Run("available to lost", func(t *testing.T) {
		item := base
		item.Availability = Available
		got, err := ItemPatch{Availability: ptr(Lost)}.apply(item)
		require.NoError(t, err)
		assert.Equal(t, Lost, got.Availability)
	})

	t.Run("cannot issue through a patch", func(t *testing.T) {
		item := base
		item.Availability = Available
		_, err := ItemPatch{Availability: ptr(Issued)}.apply(item)
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})

	t.Run("cannot release an issued item through a patch", func(t *testing.T) {
		item := base
		item.Availability = Issued
		_, err := ItemPatch{Availability: ptr(Available)}.apply(item)
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})

	t.Run("issued item still accepts metadata edits", func(t *testing.T) {
		item := base
		item.Availability = Issued
		got, err := ItemPatch{Title: ptr("Dune (1965)"), Availability: ptr(Issued)}.apply(item)
		require.NoError(t, err)
		assert.Equal(t, Issued, got.Availability)
		assert.Equal(t, "Dune (1965)", got.Title)
	})

	t.Run("blank text rejected", func(t *testing.T) {
		_, err := ItemPatch{Creator: ptr("   ")}.apply(base)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestPatchNeverTouchesIssued(t *testing.T) {
	states := []Availability{Available, Issued, Lost, Removed}
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(states).Draw(t, "from")
		to := rapid.SampledFrom(states).Draw(t, "to")

		item := Item{ID: uuid.New(), SerialNo: "B-1", Title: "T", Creator: "C", CategoryCode: "X", Kind: KindBook, Availability: from}
		got, err := ItemPatch{Availability: &to}.apply(item)

		if from != to && (from == Issued || to == Issued) {
			require.ErrorIs(t, err, apperr.ErrInvalidState)
			return
		}
		require.NoError(t, err)
		require.Equal(t, to, got.Availability)
	})
}
