package intake

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gridvid/internal/model"
)

const (
	FormatText = "txt"
	FormatCSV  = "csv"
	FormatJSON = "json"
)

type itemSpec struct {
	Kind        string                  `json:"kind"`
	Prompt      string                  `json:"prompt"`
	ImagePath   string                  `json:"image_path"`
	AspectRatio string                  `json:"aspect_ratio"`
	DurationSec int                     `json:"duration_sec"`
	Params      *model.GenerationParams `json:"params"`
	Extra       map[string]string       `json:"extra"`
}

// LoadItems reads work items from a .txt, .csv or .json file. Relative image
// paths are resolved against the file's directory.
func LoadItems(path string) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	format := FormatFromPath(path)
	items, err := ParseItems(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range items {
		if p := items[i].ImagePath; p != "" && !filepath.IsAbs(p) {
			items[i].ImagePath = filepath.Join(base, p)
		}
	}
	return items, nil
}

func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	default:
		return FormatText
	}
}

// ParseItems decodes items in the given format, numbers them from 1 and
// validates their shape. Every invalid entry is reported.
func ParseItems(r io.Reader, format string) ([]model.WorkItem, error) {
	var (
		specs []itemSpec
		err   error
	)
	switch format {
	case FormatText:
		specs, err = parseText(r)
	case FormatCSV:
		specs, err = parseCSV(r)
	case FormatJSON:
		specs, err = parseJSON(r)
	default:
		return nil, fmt.Errorf("unsupported items format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New("no work items found")
	}

	items := make([]model.WorkItem, 0, len(specs))
	var problems []error
	for i, s := range specs {
		it := s.toItem(i + 1)
		if err := model.ValidateWorkItem(it); err != nil {
			problems = append(problems, err)
			continue
		}
		items = append(items, it)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return items, nil
}

func (s itemSpec) toItem(index int) model.WorkItem {
	params := model.GenerationParams{AspectRatio: s.AspectRatio, DurationSec: s.DurationSec, Extra: s.Extra}
	if s.Params != nil {
		params = *s.Params
	}
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "" {
		kind = model.KindTextToVideo
		if strings.TrimSpace(s.ImagePath) != "" {
			kind = model.KindImageToVideo
		}
	}
	return model.WorkItem{
		Index:     index,
		Kind:      kind,
		Prompt:    strings.TrimSpace(s.Prompt),
		ImagePath: strings.TrimSpace(s.ImagePath),
		Params:    params,
		Status:    model.ItemPending,
	}
}

func parseText(r io.Reader) ([]itemSpec, error) {
	var specs []itemSpec
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		specs = append(specs, itemSpec{Kind: model.KindTextToVideo, Prompt: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return specs, nil
}

// parseCSV accepts either a header row naming the columns (prompt,
// image_path, aspect_ratio, duration_sec, kind) or headerless rows of
// prompt[,aspect_ratio[,duration_sec]].
func parseCSV(r io.Reader) ([]itemSpec, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	cols := map[string]int{"prompt": 0, "aspect_ratio": 1, "duration_sec": 2}
	first := true
	var specs []itemSpec
	var problems []error
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read items csv: %w", err)
		}
		if first {
			first = false
			if header, ok := csvHeader(row); ok {
				cols = header
				continue
			}
		}
		if isBlankRow(row) {
			continue
		}
		get := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		spec := itemSpec{
			Kind:        get("kind"),
			Prompt:      get("prompt"),
			ImagePath:   get("image_path"),
			AspectRatio: get("aspect_ratio"),
		}
		if d := get("duration_sec"); d != "" {
			n, err := strconv.Atoi(d)
			if err != nil {
				line, _ := cr.FieldPos(0)
				problems = append(problems, fmt.Errorf("line %d: invalid duration %q", line, d))
				continue
			}
			spec.DurationSec = n
		}
		specs = append(specs, spec)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return specs, nil
}

func csvHeader(row []string) (map[string]int, bool) {
	cols := map[string]int{}
	for i, cell := range row {
		name := strings.ToLower(strings.TrimSpace(cell))
		switch name {
		case "prompt", "image_path", "aspect_ratio", "duration_sec", "kind":
			cols[name] = i
		case "image":
			cols["image_path"] = i
		case "duration":
			cols["duration_sec"] = i
		case "aspect":
			cols["aspect_ratio"] = i
		}
	}
	_, hasPrompt := cols["prompt"]
	_, hasImage := cols["image_path"]
	return cols, hasPrompt || hasImage
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseJSON(r io.Reader) ([]itemSpec, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read items json: %w", err)
	}
	var specs []itemSpec
	if err := json.Unmarshal(body, &specs); err == nil {
		return specs, nil
	}
	var wrapped struct {
		Items []itemSpec `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode items json: %w", err)
	}
	return wrapped.Items, nil
}
