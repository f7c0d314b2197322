package service_test

import (
	"strings"
	"testing"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFlow(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		flow, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, flow.MaxAttempts)
		assert.Equal(t, 1, flow.BaseDelay)
		assert.Equal(t, 60, flow.Timeout)
	})

	t.Run("ExplicitSettings", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		flow, err := svc.CreateFlow("etl", 5, 2, 30)
		require.NoError(t, err)
		assert.Equal(t, 5, flow.MaxAttempts)
		assert.Equal(t, 2, flow.BaseDelay)
		assert.Equal(t, 30, flow.Timeout)
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("etl", 5, 2, 30)
		require.NoError(t, err)
		_, err = svc.CreateFlow("etl", 7, 0, 0)
		require.NoError(t, err)

		flow, err := svc.GetFlow("etl")
		require.NoError(t, err)
		assert.Equal(t, 7, flow.MaxAttempts)
		assert.Equal(t, 1, flow.BaseDelay)
	})

	t.Run("InvalidSlugs", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		for _, slug := range []string{
			"",
			"has-dash",
			"has space",
			"1starts_with_digit",
			"run",
			"input",
			"output",
			"status",
			strings.Repeat("x", 129),
		} {
			_, err := svc.CreateFlow(slug, 0, 0, 0)
			assert.ErrorIs(t, err, service.ErrInvalidSlug, "slug %q", slug)
		}
	})

	t.Run("ValidSlugs", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		for _, slug := range []string{"etl", "_private", "Flow2", strings.Repeat("x", 128)} {
			_, err := svc.CreateFlow(slug, 0, 0, 0)
			assert.NoError(t, err, "slug %q", slug)
		}
	})
}

func TestAddStep(t *testing.T) {
	newFlow := func(t *testing.T) (*service.WorkflowService, string) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateFlow("etl", 0, 0, 0)
		require.NoError(t, err)
		return svc, "etl"
	}

	t.Run("AssignsStepIndex", func(t *testing.T) {
		svc, flow := newFlow(t)
		first, err := svc.AddStep(flow, "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		second, err := svc.AddStep(flow, "load", []string{"extract"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)

		assert.Equal(t, 0, first.StepIndex)
		assert.Equal(t, 1, second.StepIndex)
		assert.Equal(t, 1, second.DepsCount)
	})

	t.Run("DefaultsToSingle", func(t *testing.T) {
		svc, flow := newFlow(t)
		st, err := svc.AddStep(flow, "extract", nil, service.StepOptions{}, "")
		require.NoError(t, err)
		assert.Equal(t, models.SingleStepType, st.StepType)
	})

	t.Run("UnknownFlow", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.AddStep("missing", "extract", nil, service.StepOptions{}, models.SingleStepType)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "load", []string{"missing"}, service.StepOptions{}, models.SingleStepType)
		assert.ErrorIs(t, err, service.ErrUnknownDependency)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "extract", []string{"extract"}, service.StepOptions{}, models.SingleStepType)
		assert.ErrorIs(t, err, service.ErrCycleDetected)
	})

	t.Run("MapStepArity", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "a", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep(flow, "b", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)

		_, err = svc.AddStep(flow, "fan", []string{"a", "b"}, service.StepOptions{}, models.MapStepType)
		assert.ErrorIs(t, err, service.ErrInvalidMapArity)

		_, err = svc.AddStep(flow, "fan", []string{"a"}, service.StepOptions{}, models.MapStepType)
		assert.NoError(t, err)
	})

	t.Run("InvalidStepSlug", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "bad-slug", nil, service.StepOptions{}, models.SingleStepType)
		assert.ErrorIs(t, err, service.ErrInvalidSlug)
	})

	t.Run("DuplicateStep", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep(flow, "extract", nil, service.StepOptions{}, models.SingleStepType)
		assert.Error(t, err)
	})

	t.Run("GetFlowListsStepsInOrder", func(t *testing.T) {
		svc, flow := newFlow(t)
		_, err := svc.AddStep(flow, "extract", nil, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep(flow, "transform", []string{"extract"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)
		_, err = svc.AddStep(flow, "load", []string{"transform"}, service.StepOptions{}, models.SingleStepType)
		require.NoError(t, err)

		got, err := svc.GetFlow(flow)
		require.NoError(t, err)
		require.Len(t, got.Steps, 3)
		assert.Equal(t, "extract", got.Steps[0].StepSlug)
		assert.Equal(t, "transform", got.Steps[1].StepSlug)
		assert.Equal(t, "load", got.Steps[2].StepSlug)
	})
}
