package notification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
)

// TemplateData はテンプレートに渡す値。
type TemplateData struct {
	Recipient model.Registrant
	Resource  *model.Resource
	Resources []model.Resource
	Date      time.Time
}

// Rendered はテンプレートの描画結果。
type Rendered struct {
	// Title はアプリ内通知のタイトル兼メール件名。
	Title string
	// Message はアプリ内通知の本文。
	Message string
	// Body はメール本文。
	Body string
}

type templateSet struct {
	title   *template.Template
	message *template.Template
	body    *template.Template
}

type templateSource struct {
	title, message, body string
}

var sources = map[model.NotificationType]templateSource{
	model.TypeRegistrationConfirmation: {
		title:   `登録完了: {{.Resource.Title}}`,
		message: `「{{.Resource.Title}}」への登録が完了しました（{{when .Resource.ScheduledAt}}）。`,
		body: `「{{.Resource.Title}}」への登録が完了しました。

日時: {{when .Resource.ScheduledAt}}
{{- with .Resource.Location}}
場所: {{.}}{{end}}

参加できなくなった場合は登録を取り消してください。
`,
	},
	model.TypeDayBeforeReminder: {
		title:   `明日開催: {{.Resource.Title}}`,
		message: `明日 {{clock .Resource.ScheduledAt}} から「{{.Resource.Title}}」が始まります。`,
		body: `明日は「{{.Resource.Title}}」の開催日です。

日時: {{when .Resource.ScheduledAt}}
{{- with .Resource.Location}}
場所: {{.}}{{end}}

皆さまのご参加をお待ちしています。
`,
	},
	model.TypeSameDayReminder: {
		title:   `本日開催: {{.Resource.Title}}`,
		message: `本日 {{clock .Resource.ScheduledAt}} から「{{.Resource.Title}}」が始まります。`,
		body: `本日は「{{.Resource.Title}}」の開催日です。

開始時刻: {{clock .Resource.ScheduledAt}}
{{- with .Resource.Location}}
場所: {{.}}{{end}}
`,
	},
	model.TypeWeeklyDigest: {
		title:   `今後1週間の予定（{{len .Resources}}件）`,
		message: `今後1週間に{{len .Resources}}件の予定があります: {{titles .Resources}}`,
		body: `{{date .Date}}から1週間の予定です。
{{range .Resources}}
- {{when .ScheduledAt}} {{.Title}}{{with .Location}}（{{.}}）{{end}}
{{- end}}
`,
	},
}

// Renderer は通知種別ごとのテンプレートを描画する。日時は指定されたタイムゾーンで表示する。
type Renderer struct {
	sets map[model.NotificationType]templateSet
}

// NewRenderer はlocで日時を表示するRendererを生成する。
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	funcs := template.FuncMap{
		"when":  func(t time.Time) string { return t.In(loc).Format("2006年1月2日 15:04") },
		"clock": func(t time.Time) string { return t.In(loc).Format("15:04") },
		"date":  func(t time.Time) string { return t.In(loc).Format("2006年1月2日") },
		"titles": func(rs []model.Resource) string {
			titles := make([]string, 0, len(rs))
			for _, r := range rs {
				titles = append(titles, "「"+r.Title+"」")
			}
			return strings.Join(titles, "、")
		},
	}

	sets := make(map[model.NotificationType]templateSet, len(sources))
	for typ, src := range sources {
		parse := func(part, text string) (*template.Template, error) {
			return template.New(string(typ) + "." + part).Funcs(funcs).Option("missingkey=error").Parse(text)
		}
		var (
			set templateSet
			err error
		)
		if set.title, err = parse("title", src.title); err != nil {
			return nil, err
		}
		if set.message, err = parse("message", src.message); err != nil {
			return nil, err
		}
		if set.body, err = parse("body", src.body); err != nil {
			return nil, err
		}
		sets[typ] = set
	}
	return &Renderer{sets: sets}, nil
}

// Render は通知種別のテンプレートを描画する。
func (r *Renderer) Render(typ model.NotificationType, data TemplateData) (Rendered, error) {
	const op = "notification.Renderer.Render"

	set, ok := r.sets[typ]
	if !ok {
		return Rendered{}, fmt.Errorf("%s: テンプレートがありません: %q", op, typ)
	}
	if typ == model.TypeWeeklyDigest {
		if len(data.Resources) == 0 {
			return Rendered{}, fmt.Errorf("%s: ダイジェストの対象がありません", op)
		}
	} else if data.Resource == nil {
		return Rendered{}, fmt.Errorf("%s: 対象リソースがありません", op)
	}

	var out Rendered
	for _, part := range []struct {
		tmpl *template.Template
		dst  *string
	}{
		{set.title, &out.Title},
		{set.message, &out.Message},
		{set.body, &out.Body},
	} {
		var buf bytes.Buffer
		if err := part.tmpl.Execute(&buf, data); err != nil {
			return Rendered{}, fmt.Errorf("%s: %w", op, err)
		}
		*part.dst = buf.String()
	}
	return out, nil
}
