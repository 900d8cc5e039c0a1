package model

import (
	"fmt"
	"strings"
)

// Param is one entry of an exercise's parameter list.
type Param struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
}

// Exercise is a static function-writing assignment. It is read-only to the
// scheduler, which only needs the file extension and include header.
type Exercise struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	ReturnType    string   `json:"return_type" yaml:"return_type"`
	Params        []Param  `json:"params" yaml:"params"`
	Comment       string   `json:"comment" yaml:"comment"`
	FileExtension string   `json:"file_extension" yaml:"file_extension"`
	Includes      []string `json:"includes,omitempty" yaml:"includes"`
}

// Signature renders the prompt comment followed by the function signature.
func (e *Exercise) Signature() string {
	parts := make([]string, 0, len(e.Params))
	for _, p := range e.Params {
		parts = append(parts, fmt.Sprintf("%s %s", p.Type, p.Name))
	}
	line := fmt.Sprintf("%s %s(%s)", e.ReturnType, e.Name, strings.Join(parts, ", "))
	if e.Comment == "" {
		return line
	}
	return fmt.Sprintf("/*\n%s\n*/\n%s", e.Comment, line)
}

// Header renders the include directives placed before the submitted code.
// Bare names are wrapped as #include <name>; full directives pass through.
func (e *Exercise) Header() string {
	if len(e.Includes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, inc := range e.Includes {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if strings.HasPrefix(inc, "#") {
			b.WriteString(inc)
		} else {
			fmt.Fprintf(&b, "#include <%s>", inc)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
