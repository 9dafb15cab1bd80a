// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents configuration or input validation failures.
// Use this for invalid graph definitions, malformed references, or
// constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// LimitError represents a configured resource cap being exceeded.
// Use this for loop iteration counts or forEach collection sizes that
// exceed the scheduler's limits. Limit errors are fatal at loop
// initialization: the owning loop is forced to zero effective iterations.
type LimitError struct {
	// Resource is what was capped (e.g. "loop iterations", "forEach items")
	Resource string

	// Limit is the configured maximum
	Limit int

	// Requested is the value that exceeded the limit
	Requested int

	// SubflowID identifies the loop or parallel the error is logged against
	SubflowID string
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	if e.SubflowID != "" {
		return fmt.Sprintf("%s limit exceeded in %s: requested %d, maximum is %d",
			e.Resource, e.SubflowID, e.Requested, e.Limit)
	}
	return fmt.Sprintf("%s limit exceeded: requested %d, maximum is %d",
		e.Resource, e.Requested, e.Limit)
}

// NotFoundError represents a resource not found error.
// Use this when a requested node, loop, or block output does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "node", "loop", "handler")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for missing collaborators, unusable settings, or invalid
// configuration values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "resolver", "state.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured budget, such as the
// condition-evaluation sandbox.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "condition evaluation")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
