package driver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
)

// stubDriver is a minimal Driver for registry tests.
type stubDriver struct {
	kind model.EngineKind
}

func (s *stubDriver) Kind() model.EngineKind { return s.kind }

func (s *stubDriver) Validate(_ string, _ model.PayloadKind, payload string) error {
	if payload == "bad" {
		return model.ErrMalformedQuery
	}
	return nil
}

func (s *stubDriver) ListDatabases(context.Context, driver.Target) ([]string, error) {
	return nil, nil
}

func (s *stubDriver) Execute(context.Context, driver.Target, driver.Exec, driver.LogFunc) (*driver.Result, error) {
	return &driver.Result{}, nil
}

func TestRegistryResolve(t *testing.T) {
	rel := &stubDriver{kind: model.EngineRelational}
	reg := driver.NewRegistry(rel, &stubDriver{kind: model.EngineDocument})

	got, err := reg.Resolve(model.EngineRelational)
	require.NoError(t, err)
	assert.Same(t, rel, got)

	assert.Equal(t, []model.EngineKind{model.EngineDocument, model.EngineRelational}, reg.Kinds())
}

func TestRegistryResolveUnregistered(t *testing.T) {
	reg := driver.NewRegistry()

	_, err := reg.Resolve(model.EngineDocument)
	assert.Error(t, err)
}

func TestRegistryValidateDispatchesByEngine(t *testing.T) {
	reg := driver.NewRegistry(driver.NewRelational(1, false), driver.NewDocument(1, false))
	mongo := &model.Instance{ID: "mongo-1", Engine: model.EngineDocument}
	pg := &model.Instance{ID: "pg-1", Engine: model.EngineRelational}

	assert.NoError(t, reg.Validate(mongo, model.PayloadInlineQuery, `db.ships.find()`))
	assert.True(t, errors.Is(reg.Validate(mongo, model.PayloadInlineQuery, `ships.find()`), model.ErrMalformedQuery))
	assert.NoError(t, reg.Validate(pg, model.PayloadInlineQuery, `SELECT 1`))
	assert.True(t, errors.Is(reg.Validate(pg, model.PayloadInlineQuery, `SELECT 1; SELECT 2`), model.ErrMalformedQuery))
}
