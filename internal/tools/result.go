package tools

import "fmt"

// GeneratedFile describes a file a tool produced for delivery to the user.
type GeneratedFile struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent back to the model
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // internal error, not serialized

	// File, when set, is surfaced to channels as a media attachment.
	File *GeneratedFile `json:"file,omitempty"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(format string, args ...interface{}) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func FileResult(forLLM string, file *GeneratedFile) *Result {
	return &Result{ForLLM: forLLM, File: file}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
