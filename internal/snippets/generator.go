// Package snippets renders copy-paste integration code for the fg.js
// tracking script.
package snippets

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

type Framework string

const (
	FrameworkHTML   Framework = "html"
	FrameworkNextJS Framework = "nextjs"
	FrameworkVue    Framework = "vue"
	FrameworkSvelte Framework = "svelte"
)

// Frameworks lists the supported frameworks in prompt order.
var Frameworks = []Framework{FrameworkHTML, FrameworkNextJS, FrameworkVue, FrameworkSvelte}

type Config struct {
	FunnelID  string
	Tenant    string
	ServerURL string
	// PageIDs is the funnel's canonical page order. The generated tag
	// points at the first page.
	PageIDs []string
	// VariantKeys are the keys of the funnel's variants. When WinnerKey is
	// set only the winner's markup is generated.
	VariantKeys []string
	WinnerKey   string
}

type SnippetFile struct {
	Filename string
	Content  string
}

type fileTemplate struct {
	name string
	tmpl string
}

type templateData struct {
	FunnelID  string
	Tenant    string
	ServerURL string
	Pages     []string
	Variants  []string
}

// Generate renders the snippet files for framework.
func Generate(framework Framework, cfg Config) ([]SnippetFile, error) {
	if cfg.FunnelID == "" || len(cfg.PageIDs) == 0 {
		return nil, fmt.Errorf("funnel id and at least one page are required")
	}

	data := templateData{
		FunnelID:  cfg.FunnelID,
		Tenant:    cfg.Tenant,
		ServerURL: strings.TrimRight(cfg.ServerURL, "/"),
		Pages:     cfg.PageIDs,
		Variants:  cfg.VariantKeys,
	}
	if cfg.WinnerKey != "" {
		data.Variants = []string{cfg.WinnerKey}
	}

	var files []fileTemplate
	switch framework {
	case FrameworkHTML:
		files = append(files, fileTemplate{"index.html", htmlTemplate})
	case FrameworkNextJS:
		files = append(files,
			fileTemplate{"app/layout.tsx", nextLayoutTemplate},
			fileTemplate{"app/page.tsx", jsxMarkupTemplate})
	case FrameworkVue:
		files = append(files,
			fileTemplate{"index.html", htmlScriptTemplate},
			fileTemplate{"App.vue", vueTemplate})
	case FrameworkSvelte:
		files = append(files,
			fileTemplate{"src/app.html", htmlScriptTemplate},
			fileTemplate{"+page.svelte", markupTemplate})
	default:
		return nil, fmt.Errorf("unsupported framework: %s", framework)
	}

	out := make([]SnippetFile, 0, len(files))
	for _, f := range files {
		content, err := render(f.name, f.tmpl, data)
		if err != nil {
			return nil, err
		}
		out = append(out, SnippetFile{Filename: f.name, Content: content})
	}
	return out, nil
}

func render(name, content string, data templateData) (string, error) {
	tmpl, err := template.New(name).Parse(scriptTag + content)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const scriptTag = `{{define "script"}}<script src="{{.ServerURL}}/fg.js" data-fg-funnel="{{.FunnelID}}" data-fg-page="{{index .Pages 0}}"{{if .Tenant}} data-fg-tenant="{{.Tenant}}"{{end}} defer></script>{{end}}`

const htmlTemplate = `<!-- funnel-goat: {{.FunnelID}} -->
<!-- Change data-fg-page on every page: {{range $i, $p := .Pages}}{{if $i}}, {{end}}{{$p}}{{end}} -->
{{template "script" .}}

{{range .Variants}}<h1 data-fg-variant="{{.}}">Headline for variant {{.}}</h1>
{{end}}
<button id="fg-convert" data-fg-convert data-fg-value="0">Get Started</button>
`

const htmlScriptTemplate = `<!-- Add to <head>; change data-fg-page per page: {{range $i, $p := .Pages}}{{if $i}}, {{end}}{{$p}}{{end}} -->
{{template "script" .}}
`

const nextLayoutTemplate = `import Script from 'next/script';

export default function RootLayout({ children }: { children: React.ReactNode }) {
  return (
    <html lang="en">
      <body>
        {children}
        <Script
          src="{{.ServerURL}}/fg.js"
          data-fg-funnel="{{.FunnelID}}"
          data-fg-page="{{index .Pages 0}}"{{if .Tenant}}
          data-fg-tenant="{{.Tenant}}"{{end}}
          strategy="afterInteractive"
        />
      </body>
    </html>
  );
}
`

const jsxMarkupTemplate = `export default function Page() {
  return (
    <main>
{{range .Variants}}      <h1 data-fg-variant="{{.}}">Headline for variant {{.}}</h1>
{{end}}      <button id="fg-convert" data-fg-convert="" data-fg-value="0">Get Started</button>
    </main>
  );
}
`

const vueTemplate = `<template>
{{range .Variants}}  <h1 data-fg-variant="{{.}}">Headline for variant {{.}}</h1>
{{end}}  <button id="fg-convert" data-fg-convert data-fg-value="0">Get Started</button>
</template>
`

const markupTemplate = `{{range .Variants}}<h1 data-fg-variant="{{.}}">Headline for variant {{.}}</h1>
{{end}}<button id="fg-convert" data-fg-convert data-fg-value="0">Get Started</button>
`
