/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package validation provides validation of configuration structs.
package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var defaultValidator = validator.New()

// Violation is a single failed validation rule.
type Violation struct {
	Tag   string
	Field string
}

// Error returns the error message.
func (v Violation) Error() string {
	return "field " + v.Field + " violates " + v.Tag
}

// StructError is the error returned by the validation of a struct.
type StructError struct {
	Violations []Violation
}

// Error returns the error message.
func (s StructError) Error() string {
	sb := strings.Builder{}
	for i, v := range s.Violations {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(v.Error())
	}
	return sb.String()
}

// ValidateStruct validates the given struct against its `validate` tags.
func ValidateStruct(target any) error {
	err := defaultValidator.Struct(target)
	if err == nil {
		return nil
	}

	invalidErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	structError := StructError{}
	for _, err := range invalidErrs {
		structError.Violations = append(structError.Violations, Violation{
			Tag:   err.Tag(),
			Field: err.Field(),
		})
	}
	return structError
}
