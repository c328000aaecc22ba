/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package discipline

import (
	"fmt"

	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"
)

// Alerter evaluates a user-supplied boolean expression against each
// published StatusSample. It is a read-only diagnostic: nothing it
// computes ever feeds back into the servo.
type Alerter struct {
	expr    *govaluate.EvaluableExpression
	latched bool
}

var alertVariables = map[string]struct{}{
	"jitter":        {},
	"freqOffset":    {},
	"avgCorrection": {},
	"hardLimit":     {},
	"clampAbsolute": {},
	"noiseStdDev":   {},
}

// NewAlerter compiles exprStr, rejecting any variable name outside the
// status-record fields it is allowed to reference.
func NewAlerter(exprStr string) (*Alerter, error) {
	if exprStr == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(exprStr)
	if err != nil {
		return nil, fmt.Errorf("alert-expr: %w", err)
	}
	for _, v := range expr.Vars() {
		if _, ok := alertVariables[v]; !ok {
			return nil, fmt.Errorf("alert-expr: unsupported variable %q", v)
		}
	}
	return &Alerter{expr: expr}, nil
}

// Check evaluates the expression against s and logs a single warning
// on each false→true transition (rate-limited to once per latch).
func (a *Alerter) Check(s StatusSample) {
	if a == nil {
		return
	}
	params := map[string]interface{}{
		"jitter":        s.JitterUs,
		"freqOffset":    s.FreqOffsetPPM,
		"avgCorrection": s.AvgCorrectionUs,
		"hardLimit":     float64(s.HardLimit),
		"clampAbsolute": s.ClampAbsolute,
		"noiseStdDev":   s.NoiseStdDevUs,
	}
	result, err := a.expr.Evaluate(params)
	if err != nil {
		log.WithError(err).Warn("alert-expr evaluation failed")
		return
	}
	fired, _ := result.(bool)
	if fired && !a.latched {
		log.Warnf("alert condition fired: %s", a.expr.String())
	}
	a.latched = fired
}
