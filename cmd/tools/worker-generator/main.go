// cmd/tools/worker-generator/main.go
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"unicode"

	"matchmaking-workers/pkg/registry"
)

// WorkerData is the template input for one activity.
type WorkerData struct {
	PackageName   string
	TaskType      string
	DisplayName   string
	Description   string
	Timeout       string
	MaxJobsActive int
	InputFields   []Field
	OutputFields  []Field
}

// Field is one struct field derived from a schema property.
type Field struct {
	Name    string
	Type    string
	JSONTag string
	Comment string
}

func main() {
	registryPath := flag.String("registry", "configs/activity-registry.json", "Path to the activity registry")
	taskType := flag.String("task", "", "Task type to scaffold (required)")
	outDir := flag.String("out", "internal/workers/matching", "Parent directory for the worker package")
	force := flag.Bool("force", false, "Overwrite existing files")
	flag.Parse()

	if *taskType == "" {
		fmt.Println("Usage: worker-generator -task <task-type> [-registry path] [-out dir] [-force]")
		os.Exit(1)
	}

	if err := run(*registryPath, *taskType, *outDir, *force); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(registryPath, taskType, outDir string, force bool) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	activity, ok := reg.Find(taskType)
	if !ok {
		return fmt.Errorf("task type %q is not in %s", taskType, registryPath)
	}

	dir := filepath.Join(outDir, taskType)
	files, err := render(workerData(activity))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && !force {
			fmt.Printf("skip    %s (exists)\n", path)
			continue
		}
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("created %s\n", path)
	}
	return nil
}

func workerData(a *registry.Activity) WorkerData {
	return WorkerData{
		PackageName:   packageName(a.TaskType),
		TaskType:      a.TaskType,
		DisplayName:   a.DisplayName,
		Description:   a.Description,
		Timeout:       a.Timeout,
		MaxJobsActive: 5,
		InputFields:   schemaFields(a.InputSchema),
		OutputFields:  schemaFields(a.OutputSchema),
	}
}

// render executes every template and gofmts the Go sources.
func render(data WorkerData) (map[string][]byte, error) {
	out := make(map[string][]byte, len(templates))
	for name, text := range templates {
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		src, err := format.Source(buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("format %s: %w", name, err)
		}
		out[name] = src
	}
	return out, nil
}

// packageName turns "score-candidates" into "scorecandidates".
func packageName(taskType string) string {
	return strings.ToLower(strings.NewReplacer("-", "", "_", "", ".", "").Replace(taskType))
}

// schemaFields lists the schema's properties sorted by name.
func schemaFields(schema map[string]interface{}) []Field {
	props, _ := schema["properties"].(map[string]interface{})
	required := map[string]bool{}
	if req, ok := schema["required"].([]interface{}); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		details, _ := props[name].(map[string]interface{})
		tag := name
		if !required[name] {
			tag += ",omitempty"
		}
		desc, _ := details["description"].(string)
		fields = append(fields, Field{
			Name:    goName(name),
			Type:    goType(details),
			JSONTag: fmt.Sprintf("`json:\"%s\"`", tag),
			Comment: desc,
		})
	}
	return fields
}

func goType(details map[string]interface{}) string {
	switch details["type"] {
	case "string":
		return "string"
	case "integer":
		return "int"
	case "number":
		return "float64"
	case "boolean":
		return "bool"
	case "array":
		if items, ok := details["items"].(map[string]interface{}); ok {
			return "[]" + goType(items)
		}
		return "[]interface{}"
	case "object":
		return "map[string]interface{}"
	default:
		return "interface{}"
	}
}

// goName exports a camelCase property and upper-cases a trailing Id.
func goName(prop string) string {
	if prop == "" {
		return prop
	}
	var b strings.Builder
	upper := true
	for _, r := range prop {
		if r == '_' || r == '-' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	switch {
	case strings.HasSuffix(name, "Ids"):
		name = strings.TrimSuffix(name, "Ids") + "IDs"
	case strings.HasSuffix(name, "Id"):
		name = strings.TrimSuffix(name, "Id") + "ID"
	}
	return name
}
