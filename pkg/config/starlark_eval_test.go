package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestScriptRunner_Run(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		inputs map[string]interface{}
		key    string
		want   interface{}
	}{
		{name: "arithmetic", script: "result = 2 + 2\n", key: "result", want: int64(4)},
		{name: "json number input", script: "next = hour + 1\n", inputs: map[string]interface{}{"hour": float64(9)}, key: "next", want: int64(10)},
		{name: "string input", script: `result = name + "-nightly"` + "\n", inputs: map[string]interface{}{"name": "MyGlueJob"}, key: "result", want: "MyGlueJob-nightly"},
		{name: "nested config", script: `result = config["job"]["name"]` + "\n", inputs: map[string]interface{}{
			"config": map[string]interface{}{"job": map[string]interface{}{"name": "MyGlueJob"}},
		}, key: "result", want: "MyGlueJob"},
		{name: "conditional", script: `hour = "6" if variant == "catalog" else "10"` + "\n", inputs: map[string]interface{}{"variant": "catalog"}, key: "hour", want: "6"},
		{name: "helper function", script: "def pad(n):\n    return str(n) if n >= 10 else \"0\" + str(n)\n\nminute = pad(5)\n", key: "minute", want: "05"},
		{name: "private list", script: "_hours = [\"6\", \"18\"]\nhour = _hours[1]\n", key: "hour", want: "18"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := runner.Run(ctx, "overrides.star", tt.script, tt.inputs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Globals[tt.key] != tt.want {
				t.Errorf("expected %s=%v, got %v", tt.key, tt.want, result.Globals[tt.key])
			}
		})
	}
}

func TestScriptRunner_OnlyPublicScalars(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)

	result, err := runner.Run(context.Background(), "overrides.star", "_tmp = 1\ndef f():\n    return 1\nx = f()\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := result.Names(); len(names) != 1 || names[0] != "x" {
		t.Errorf("expected only x, got %v", names)
	}

	_, err = runner.Run(context.Background(), "overrides.star", "hours = [6, 18]\n", nil)
	if err == nil || !strings.Contains(err.Error(), "hours") {
		t.Errorf("expected a public list to be rejected, got %v", err)
	}
}

func TestScriptRunner_InputsAreFrozen(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)

	inputs := map[string]interface{}{"config": map[string]interface{}{"hour": "10"}}
	if _, err := runner.Run(context.Background(), "overrides.star", "config[\"hour\"] = \"6\"\n", inputs); err == nil {
		t.Fatal("expected assignment into config to fail")
	}
}

func TestScriptRunner_Env(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)
	runner.lookupEnv = func(name string) (string, bool) {
		if name == "GLUEFLOW_BUCKET" {
			return "analytics-bucket", true
		}
		return "", false
	}

	script := "bucket = env(\"GLUEFLOW_BUCKET\")\nregion = env(\"GLUEFLOW_REGION\", \"us-east-1\")\nmissing = env(\"GLUEFLOW_UNSET\")\n"
	result, err := runner.Run(context.Background(), "overrides.star", script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Globals["bucket"] != "analytics-bucket" {
		t.Errorf("expected bucket from the environment, got %v", result.Globals["bucket"])
	}
	if result.Globals["region"] != "us-east-1" {
		t.Errorf("expected the default region, got %v", result.Globals["region"])
	}
	if result.Globals["missing"] != "" {
		t.Errorf("expected an empty default, got %v", result.Globals["missing"])
	}
}

func TestScriptRunner_Errors(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)

	for _, script := range []string{"x = undefined_name\n", "x = 1 +\n", "x = 1 // 0\n"} {
		result, err := runner.Run(context.Background(), "overrides.star", script, nil)
		if err == nil {
			t.Errorf("expected error for %q", script)
			continue
		}
		if result == nil || result.Error == "" {
			t.Errorf("expected error in result for %q", script)
		}
	}
}

func TestScriptRunner_Aborts(t *testing.T) {
	script := `
def slow():
    total = 0
    for i in range(5000):
        for j in range(5000):
            total = total + j
    return total

output = slow()
`
	runner := NewScriptRunner(100 * time.Millisecond)
	result, err := runner.Run(context.Background(), "overrides.star", script, nil)
	if err == nil {
		t.Fatal("expected the script to be aborted")
	}
	if result == nil || result.Error == "" {
		t.Error("expected the abort reason in result")
	}

	runner = NewScriptRunner(time.Minute)
	runner.maxSteps = 1000
	if _, err := runner.Run(context.Background(), "overrides.star", script, nil); err == nil {
		t.Fatal("expected the step budget to abort the script")
	}
}

func TestScriptRunner_CapturesPrint(t *testing.T) {
	runner := NewScriptRunner(5 * time.Second)

	result, err := runner.Run(context.Background(), "overrides.star", "print(\"choosing hour\")\nhour = \"6\"\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Printed) != 1 || result.Printed[0] != "choosing hour" {
		t.Errorf("expected captured print output, got %v", result.Printed)
	}
	if result.Globals["hour"] != "6" {
		t.Errorf("expected hour='6', got %v", result.Globals["hour"])
	}
}
