package stages

const sqlGenerationTemplate = `You are writing the SQL for one section of a scheduled report.

Placeholder: {{ .Placeholder | trim }}
{{- if .Intent }}
Business intent: {{ .Intent }}
{{- end }}
{{- if .Objective }}
Target objective: {{ .Objective }}
{{- end }}
Time window: {{ .TimeWindow | default "the last 30 days" }}

{{ .SchemaContext }}

Rules:
- Produce exactly one SELECT statement.
- Reference only the tables and columns listed above.
- Filter the time window with the unquoted placeholders {{ "{{start_date}}" }} and {{ "{{end_date}}" }}. Never put quotes around them.
- Name every selected column; do not use SELECT *.
- Aggregate over time with an explicit date expression when the intent asks for a trend.

Work step by step with the available tools, then finish with the final SQL as your content.`

const sqlValidationTemplate = `The SQL below failed when it was executed against the data source. Produce a corrected SELECT statement.

Previous SQL:
{{ .SQL }}

Execution error ({{ .ErrorInfo }}):
the statement must be fixed so that it runs against the schema below.

{{ .SchemaContext }}

Rules:
- Change only what the error requires; keep the original intent of the query.
- Reference only the tables and columns listed above.
- Keep the unquoted {{ "{{start_date}}" }} and {{ "{{end_date}}" }} placeholders.
- You may run one probe with the sql.probe tool to confirm the fix before finishing.

Finish with the corrected SQL as your content.`

const chartGenerationTemplate = `Design a chart for the data returned by the report query.

Placeholder: {{ .Placeholder | trim }}
{{- if .Intent }}
Business intent: {{ .Intent }}
{{- end }}

{{ .SchemaContext }}
{{- if .DataPreview }}

Data preview:
{{ .DataPreview }}
{{- end }}

Rules:
- Pick the chart type that best exposes the pattern in the data: line, bar, pie, area or scatter.
- Name the series after the columns they plot.

Finish with a single JSON object as your content, shaped like
{"type": "...", "title": "...", "series": [{"name": "...", "data": [...]}]}.`

const documentGenerationTemplate = `Write the final report section in Markdown.

Placeholder: {{ .Placeholder | trim }}
{{- if .Intent }}
Business intent: {{ .Intent }}
{{- end }}
{{- if .Objective }}
Target objective: {{ .Objective }}
{{- end }}
Time window: {{ .TimeWindow | default "the last 30 days" }}
{{- if .SQL }}

Accepted SQL:
{{ .SQL }}
{{- end }}
{{- if .DataPreview }}

Data preview:
{{ .DataPreview }}
{{- end }}
{{- if .Chart }}

Chart specification:
{{ .Chart }}
{{- end }}

Rules:
- Write at least two hundred characters of prose, with headings and a bullet list where they help.
- State concrete findings from the data; do not restate the task.
- Replace the time window with concrete dates. The text must not contain {{ "{{start_date}}" }} or {{ "{{end_date}}" }}.
- Do not mention tools, JSON envelopes or any intermediate step.

Finish with the Markdown document as your content.`

func defaultSpecs() []Spec {
	return []Spec{
		{
			Stage:       SQLGeneration,
			Tools:       []string{"schema.search_tables", "schema.describe_table", "sql.validate"},
			Template:    sqlGenerationTemplate,
			Threshold:   0.80,
			TokenBudget: 4000,
		},
		{
			Stage:       SQLValidation,
			Tools:       []string{"schema.search_tables", "schema.describe_table", "sql.validate", "sql.probe"},
			Template:    sqlValidationTemplate,
			Threshold:   0.80,
			TokenBudget: 4000,
		},
		{
			Stage:       ChartGeneration,
			Tools:       []string{"data.preview"},
			Template:    chartGenerationTemplate,
			Threshold:   0.75,
			TokenBudget: 3000,
		},
		{
			Stage:       DocumentGeneration,
			Tools:       nil,
			Template:    documentGenerationTemplate,
			Threshold:   0.85,
			TokenBudget: 6000,
		},
	}
}
