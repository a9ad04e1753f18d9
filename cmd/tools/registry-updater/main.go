// cmd/tools/registry-updater/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/pkg/registry"
)

const defaultRegistryPath = "configs/activity-registry.json"

func main() {
	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(os.Args[2:])
	case "update":
		err = runUpdate(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "help", "-h", "--help":
		help()
		return
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		help()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func runAdd(args []string) error {
	cmd := flag.NewFlagSet("add", flag.ExitOnError)
	path := cmd.String("path", defaultRegistryPath, "Path to registry file")
	id := cmd.String("id", "", "Activity ID (e.g., matching.score.candidates)")
	displayName := cmd.String("displayName", "", "Display Name (e.g., Score Candidates)")
	description := cmd.String("description", "", "Description")
	category := cmd.String("category", "matching", "Category")
	taskType := cmd.String("taskType", "", "Zeebe task type (e.g., score-candidates)")
	version := cmd.String("version", "1.0.0", "Version")
	status := cmd.String("status", "planned", "Implementation Status (planned, in-progress, completed, verified)")
	timeout := cmd.String("timeout", "10s", "Job timeout")
	retries := cmd.Int("retries", 3, "Retry budget")
	_ = cmd.Parse(args)

	if *id == "" || *displayName == "" || *description == "" || *taskType == "" {
		cmd.Usage()
		return fmt.Errorf("id, displayName, description and taskType are required for add")
	}
	if err := validation.ValidateActivityNaming(*id); err != nil {
		return err
	}

	reg, err := registry.LoadRegistry(*path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.ActivityRegistry{Version: "1.0.0"}
	}

	for _, existing := range reg.Activities {
		if existing.ID == *id {
			return fmt.Errorf("activity with ID %s already exists", *id)
		}
	}
	if _, ok := reg.Find(*taskType); ok {
		return fmt.Errorf("task type %s is already registered", *taskType)
	}

	reg.Activities = append(reg.Activities, registry.Activity{
		ID:                   *id,
		DisplayName:          *displayName,
		Description:          *description,
		Category:             *category,
		Version:              *version,
		TaskType:             *taskType,
		ImplementationStatus: *status,
		InputSchema:          map[string]interface{}{},
		OutputSchema:         map[string]interface{}{},
		ErrorCodes:           []string{},
		Timeout:              *timeout,
		Retries:              *retries,
		Workflows:            []string{},
		Tags:                 []string{},
	})
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := reg.Save(*path); err != nil {
		return err
	}
	fmt.Printf("Added activity: %s\n", *id)
	return nil
}

func runUpdate(args []string) error {
	cmd := flag.NewFlagSet("update", flag.ExitOnError)
	path := cmd.String("path", defaultRegistryPath, "Path to registry file")
	id := cmd.String("id", "", "Activity ID to update")
	field := cmd.String("field", "", "Field to update (status, version, timeout, retries, ...)")
	value := cmd.String("value", "", "New value for the field")
	_ = cmd.Parse(args)

	if *id == "" || *field == "" || *value == "" {
		cmd.Usage()
		return fmt.Errorf("id, field and value are required for update")
	}

	reg, err := registry.LoadRegistry(*path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	var target *registry.Activity
	for i := range reg.Activities {
		if reg.Activities[i].ID == *id {
			target = &reg.Activities[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("activity with ID %s not found", *id)
	}
	if err := setField(target, *field, *value); err != nil {
		return err
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := reg.Save(*path); err != nil {
		return err
	}
	fmt.Printf("Updated activity %s, field %s to %s\n", *id, *field, *value)
	return nil
}

func setField(a *registry.Activity, field, value string) error {
	switch field {
	case "status":
		a.ImplementationStatus = value
	case "version":
		a.Version = value
	case "displayName":
		a.DisplayName = value
	case "description":
		a.Description = value
	case "category":
		a.Category = value
	case "taskType":
		a.TaskType = value
	case "timeout":
		a.Timeout = value
	case "retries":
		retries, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid retries value: %w", err)
		}
		a.Retries = retries
	case "errorCodes":
		a.ErrorCodes = strings.Split(value, ",")
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	return nil
}

func runValidate(args []string) error {
	cmd := flag.NewFlagSet("validate", flag.ExitOnError)
	path := cmd.String("path", defaultRegistryPath, "Path to registry file")
	_ = cmd.Parse(args)

	reg, err := registry.LoadRegistry(*path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("registry validation failed: %w", err)
	}
	for _, a := range reg.Activities {
		if err := validation.ValidateActivityNaming(a.ID); err != nil {
			return fmt.Errorf("%s: %w", a.ID, err)
		}
	}
	if _, err := validation.NewValidator(reg); err != nil {
		return fmt.Errorf("registry validation failed: %w", err)
	}

	fmt.Printf("Registry validation passed. Found %d activities.\n", len(reg.Activities))
	return nil
}

func runList(args []string) error {
	cmd := flag.NewFlagSet("list", flag.ExitOnError)
	path := cmd.String("path", defaultRegistryPath, "Path to registry file")
	status := cmd.String("status", "", "Only show activities with this implementation status")
	_ = cmd.Parse(args)

	reg, err := registry.LoadRegistry(*path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	activities := make([]registry.Activity, 0, len(reg.Activities))
	for _, a := range reg.Activities {
		if *status == "" || a.ImplementationStatus == *status {
			activities = append(activities, a)
		}
	}
	sort.Slice(activities, func(i, j int) bool { return activities[i].TaskType < activities[j].TaskType })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK TYPE\tID\tSTATUS\tTIMEOUT\tRETRIES")
	for _, a := range activities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", a.TaskType, a.ID, a.ImplementationStatus, a.Timeout, a.Retries)
	}
	return w.Flush()
}

func help() {
	fmt.Println(`
Usage: registry-updater <command> [flags]

Commands:
  add       Add a new activity to the registry
  update    Update an existing activity's field
  validate  Validate the registry file and compile its input schemas
  list      List registered activities
  help      Show this help message

Examples:
  registry-updater add -id matching.score.pair -displayName "Calculate Match Score" -description "Scores a pair of profiles" -taskType calculate-match-score
  registry-updater update -id matching.score.pair -field status -value completed
  registry-updater validate -path configs/activity-registry.json
  registry-updater list -status completed

Use 'registry-updater <command> -h' for more information about a command.`)
}
