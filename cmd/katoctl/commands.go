package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sevakavakians/kato/internal/processor"
	"github.com/sevakavakians/kato/internal/session"
)

// Context carries the wired engine into each command's Run method, the
// kong idiom for dependency injection without package-level globals.
type Context struct {
	Ctx       context.Context
	Processor *processor.Processor
	Sessions  *session.Manager
}

func (c *SessionCreateCmd) Run(ctx *Context) error {
	sess, err := ctx.Sessions.Create(ctx.Ctx, c.NodeID, time.Duration(c.TTL)*time.Second, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", labelStyle.Render("session_id:"), nameStyle.Render(sess.ID))
	fmt.Printf("%s %s\n", labelStyle.Render("kb_id:"), sess.KBID)
	return nil
}

func (c *SessionExtendCmd) Run(ctx *Context) error {
	return ctx.Sessions.Extend(ctx.Ctx, c.SessionID, time.Duration(c.TTL)*time.Second)
}

func (c *SessionDeleteCmd) Run(ctx *Context) error {
	return ctx.Sessions.Delete(ctx.Ctx, c.SessionID)
}

func (c *ObserveCmd) Run(ctx *Context) error {
	result, err := ctx.Processor.Observe(ctx.Ctx, c.SessionID, processor.ObserveInput{
		Strings:  c.Strings,
		Metadata: c.Metadata,
	})
	if err != nil {
		return err
	}
	fmt.Println(headingStyle.Render("stm"))
	for _, event := range result.STM {
		fmt.Printf("  %v\n", []string(event))
	}
	if result.AutoLearned {
		fmt.Println(labelStyle.Render("auto_learned: ") + nameStyle.Render(result.AutoLearnedName))
	}
	return nil
}

func (c *LearnCmd) Run(ctx *Context) error {
	result, err := ctx.Processor.Learn(ctx.Ctx, c.SessionID)
	if err != nil {
		return err
	}
	if result.NoOp {
		fmt.Println(labelStyle.Render("no-op: fewer than 2 tokens in STM"))
		return nil
	}
	label := "learned"
	if !result.IsNew {
		label = "frequency incremented"
	}
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), nameStyle.Render(result.Name))
	return nil
}

func (c *PredictCmd) Run(ctx *Context) error {
	predictions, err := ctx.Processor.GetPredictions(ctx.Ctx, c.SessionID)
	if err != nil {
		return err
	}
	if c.JSON {
		out, err := json.MarshalIndent(predictions, "", "  ")
		if err != nil {
			return fmt.Errorf("katoctl: encode json: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}
	if len(predictions) == 0 {
		fmt.Println(labelStyle.Render("no predictions"))
		return nil
	}
	for _, p := range predictions {
		fmt.Printf("%s  potential=%.3f similarity=%.3f frequency=%d\n",
			nameStyle.Render(p.Name), p.Potential, p.Similarity, p.Frequency)
	}
	return nil
}

func (c *ClearCmd) Run(ctx *Context) error {
	if c.All {
		return ctx.Processor.ClearAll(ctx.Ctx, c.SessionID, c.DropPersisted)
	}
	return ctx.Processor.ClearSTM(ctx.Ctx, c.SessionID)
}

func (c *ConfigShowCmd) Run(ctx *Context) error {
	sess, err := ctx.Sessions.Get(ctx.Ctx, c.SessionID)
	if err != nil {
		return err
	}
	return printYAML(sess.Config)
}

func (c *ConfigUpdateCmd) Run(ctx *Context) error {
	partial := make(map[string]interface{}, len(c.Set))
	for _, kv := range c.Set {
		key, value, err := splitKV(kv)
		if err != nil {
			return err
		}
		partial[key] = value
	}
	return ctx.Processor.UpdateConfig(ctx.Ctx, c.SessionID, partial)
}

func (c *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("katoctl %s\n", version)
	return nil
}

// splitKV parses a "field=value" argument, inferring bool/float/string
// (every numeric value, integral or not, becomes a float64).
func splitKV(kv string) (string, interface{}, error) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			key, raw := kv[:i], kv[i+1:]
			return key, inferScalar(raw), nil
		}
	}
	return "", nil, fmt.Errorf("katoctl: %q is not a field=value pair", kv)
}

func inferScalar(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("katoctl: encode yaml: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
