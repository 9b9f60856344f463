package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"wxbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// KeywordDefinition is the YAML schema of a keyword plugin file.
//
//	name: greetings
//	priority: 100
//	match: exact        # exact | prefix | contains
//	keywords: [hi, hello]
//	reply:
//	  type: text        # text | image_url | file | info
//	  content: Hello there
type KeywordDefinition struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Match    string   `yaml:"match"`
	Keywords []string `yaml:"keywords"`
	Help     string   `yaml:"help"`
	Reply    struct {
		Type    string `yaml:"type"`
		Content string `yaml:"content"`
	} `yaml:"reply"`
}

var keywordReplyTypes = map[string]domain.ReplyType{
	"":          domain.ReplyText,
	"text":      domain.ReplyText,
	"image_url": domain.ReplyImageURL,
	"file":      domain.ReplyFile,
	"info":      domain.ReplyInfo,
}

// LoadFromDirectory loads keyword plugin definitions from YAML files in dir.
// Unreadable or invalid files are logged and skipped.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]KeywordDefinition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("plugins directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var defs []KeywordDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read plugin file", "path", path, "err", err)
			continue
		}

		var def KeywordDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn("cannot parse plugin file", "path", path, "err", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if len(def.Keywords) == 0 {
			logger.Warn("plugin file has no keywords", "path", path)
			continue
		}
		if _, ok := keywordReplyTypes[def.Reply.Type]; !ok {
			logger.Warn("plugin file has unknown reply type", "path", path, "type", def.Reply.Type)
			continue
		}

		logger.Info("loaded keyword plugin", "name", def.Name, "path", path)
		defs = append(defs, def)
	}

	return defs, nil
}

// Keyword replies with a fixed answer when a text message matches.
type Keyword struct {
	def KeywordDefinition
}

func NewKeyword(def KeywordDefinition) *Keyword { return &Keyword{def: def} }

func (k *Keyword) Name() string     { return k.def.Name }
func (k *Keyword) Priority() int    { return k.def.Priority }
func (k *Keyword) HelpText() string { return k.def.Help }

func (k *Keyword) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventHandleContext || ec.Context.Type != domain.ContextText {
		return nil
	}
	if !k.matches(strings.TrimSpace(ec.Context.Content)) {
		return nil
	}
	ec.Reply = &domain.Reply{Type: keywordReplyTypes[k.def.Reply.Type], Content: k.def.Reply.Content}
	ec.Action = ActionBreakPass
	return nil
}

func (k *Keyword) matches(text string) bool {
	for _, kw := range k.def.Keywords {
		switch k.def.Match {
		case "prefix":
			if strings.HasPrefix(text, kw) {
				return true
			}
		case "contains":
			if strings.Contains(text, kw) {
				return true
			}
		default:
			if text == kw {
				return true
			}
		}
	}
	return false
}
