package engine

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"
)

// Context — контекст для рендеринга команд шагов.
//
// Доступно в шаблонах:
//   - {{ .RunID }}, {{ .PipelineID }}, {{ .Step }}
//   - {{ .LogicalDate }} ("2006-01-02"), {{ .LogicalTime }} (RFC3339)
//   - {{ .Env.VAR_NAME }}
type Context struct {
	// RunID — идентификатор run.
	RunID string

	// PipelineID — идентификатор pipeline.
	PipelineID string

	// Step — имя текущего шага.
	Step string

	// Attempt — номер попытки (начиная с 1).
	Attempt int

	// LogicalTime — время, за которое выполняется run.
	LogicalTime time.Time

	// Env — переменные окружения.
	Env map[string]string
}

// NewContext создаёт контекст для run.
func NewContext(runID, pipelineID string, logicalTime time.Time) *Context {
	return &Context{
		RunID:       runID,
		PipelineID:  pipelineID,
		LogicalTime: logicalTime.UTC(),
		Env:         make(map[string]string),
	}
}

// ForStep возвращает копию контекста для конкретного шага и попытки.
func (c *Context) ForStep(step string, attempt int) *Context {
	cp := *c
	cp.Step = step
	cp.Attempt = attempt
	return &cp
}

// SetEnv устанавливает переменную окружения.
func (c *Context) SetEnv(key, value string) {
	c.Env[key] = value
}

// LoadEnv копирует переменные окружения процесса в контекст.
func (c *Context) LoadEnv() {
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			c.Env[k] = v
		}
	}
}

// LogicalDate возвращает дату LogicalTime в формате YYYY-MM-DD.
func (c *Context) LogicalDate() string {
	return c.LogicalTime.Format(time.DateOnly)
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val string) string {
		if val == "" {
			return def
		}
		return val
	},

	// quote — экранирует строку для sh в одинарных кавычках
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// Render рендерит команду шага с контекстом.
//
//	dbt run --vars '{"run_id": "{{ .RunID }}"}'
//	dbt source freshness --target {{ .Env.DBT_TARGET | default "prod" }}
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// ValidateTemplate проверяет, что шаблон команды парсится.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	if _, err := template.New("").Funcs(templateFuncs).Parse(tmpl); err != nil {
		return fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return nil
}
