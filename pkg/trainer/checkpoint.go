// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bufio"
	"encoding/gob"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// GeneratorParameter is one variable of a generator checkpoint.
type GeneratorParameter struct {
	// ScopeAndName of the variable, e.g. "/vqgan/codebook/embedding".
	ScopeAndName string
	Value        *tensors.Tensor
}

// SaveGeneratorCheckpoint writes the current values of the generator parameters to filePath.
//
// The file is a gob stream with the number of parameters followed by, for each parameter, its scope and name
// and its tensor. An existing file is overwritten.
func SaveGeneratorCheckpoint(ctx *context.Context, generator Generator, filePath string) error {
	params := generator.Parameters(ctx)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "trainer: failed to create checkpoint %q", filePath)
	}
	w := bufio.NewWriter(f)
	enc := gob.NewEncoder(w)
	err = encodeParameters(enc, params)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "trainer: failed to write checkpoint %q", filePath)
	}
	return errors.Wrapf(f.Close(), "trainer: failed to close checkpoint %q", filePath)
}

func encodeParameters(enc *gob.Encoder, params []*context.Variable) error {
	if err := enc.Encode(len(params)); err != nil {
		return errors.WithStack(err)
	}
	for _, v := range params {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}
		if err = enc.Encode(v.ScopeAndName()); err != nil {
			return errors.WithStack(err)
		}
		if err = value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}
	}
	return nil
}

// LoadGeneratorCheckpoint reads the parameters saved by SaveGeneratorCheckpoint.
func LoadGeneratorCheckpoint(filePath string) ([]GeneratorParameter, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "trainer: failed to open checkpoint %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(bufio.NewReader(f))
	var count int
	if err = dec.Decode(&count); err != nil {
		return nil, errors.Wrapf(err, "trainer: failed to read checkpoint %q", filePath)
	}
	if count < 0 {
		return nil, errors.Errorf("trainer: invalid number of parameters (%d) in checkpoint %q", count, filePath)
	}
	params := make([]GeneratorParameter, 0, count)
	for range count {
		var p GeneratorParameter
		if err = dec.Decode(&p.ScopeAndName); err != nil {
			return nil, errors.Wrapf(err, "trainer: failed to read parameter #%d of checkpoint %q", len(params), filePath)
		}
		if p.Value, err = tensors.GobDeserialize(dec); err != nil {
			return nil, errors.WithMessagef(err, "trainer: failed to read %q from checkpoint %q", p.ScopeAndName, filePath)
		}
		params = append(params, p)
	}
	return params, nil
}

// RestoreGeneratorParameters sets the values of the generator variables in ctx from params.
// Every parameter must match an existing variable of the same shape.
func RestoreGeneratorParameters(ctx *context.Context, params []GeneratorParameter) error {
	for _, p := range params {
		scope, name := context.SplitScope(p.ScopeAndName)
		v := ctx.GetVariableByScopeAndName(scope, name)
		if v == nil {
			return errors.Errorf("trainer: checkpoint variable %q not found in the context, was the model built?",
				p.ScopeAndName)
		}
		if !v.Shape().Equal(p.Value.Shape()) {
			return errors.Errorf("trainer: checkpoint variable %q has shape %s, but the model expects %s",
				p.ScopeAndName, p.Value.Shape(), v.Shape())
		}
		if err := v.SetValue(p.Value); err != nil {
			return errors.WithMessagef(err, "trainer: failed to set %q", p.ScopeAndName)
		}
	}
	return nil
}

// RestoreGenerator loads the generator checkpoint at filePath into the trainer's context.
func (t *Trainer) RestoreGenerator(filePath string) error {
	params, err := LoadGeneratorCheckpoint(filePath)
	if err != nil {
		return err
	}
	return RestoreGeneratorParameters(t.ctx, params)
}
