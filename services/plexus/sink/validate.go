// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("dimension", func(fl validator.FieldLevel) bool {
		return graph.Dimension(fl.Field().String()).Valid()
	})
}

// Validate checks the structure of every proposal in an emission.
//
// Description:
//
//	Node proposals need an ID, a type and a known dimension. Edge proposals
//	need both endpoints and a relation, and a finite non-negative weight.
//	Annotation confidences must lie in [0, 1]. Endpoint existence is not
//	checked here; that needs the store and happens at commit.
//
// Outputs:
//
//	error - A *RejectionError with ReasonMalformed naming the first bad
//	        field, or nil.
func Validate(e Emission) error {
	for i, edge := range e.Edges {
		if math.IsNaN(edge.Weight) || math.IsInf(edge.Weight, 0) {
			return &RejectionError{
				Reason: ReasonMalformed,
				Ref:    fmt.Sprintf("Emission.Edges[%d].Weight", i),
				Detail: "weight must be finite",
			}
		}
	}

	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return &RejectionError{
			Reason: ReasonMalformed,
			Ref:    first.Namespace(),
			Detail: fmt.Sprintf("failed %q", first.Tag()),
		}
	}
	return &RejectionError{Reason: ReasonMalformed, Ref: "emission", Detail: err.Error()}
}
