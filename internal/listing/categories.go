package listing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/supplier-cli/internal/model"
)

// categoriesFile is the provider's tab listing: {"data":{"tabs":[{"tabId":..,"title":..}]}}.
type categoriesFile struct {
	Data struct {
		Tabs []struct {
			TabID flexString `json:"tabId"`
			Title flexString `json:"title"`
		} `json:"tabs"`
	} `json:"data"`
}

// LoadCategories reads the browsable categories. A .yaml/.yml file is a list
// of {id, name}; anything else is the provider's JSON tab listing.
func LoadCategories(path string) ([]model.Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "listing: read categories %s", path)
	}

	var out []model.Category
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, eris.Wrapf(err, "listing: parse categories %s", path)
		}
	default:
		var f categoriesFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrapf(err, "listing: parse categories %s", path)
		}
		for _, t := range f.Data.Tabs {
			out = append(out, model.Category{ID: string(t.TabID), Name: string(t.Title)})
		}
	}

	cats := out[:0]
	for _, c := range out {
		if c.ID != "" {
			cats = append(cats, c)
		}
	}
	if len(cats) == 0 {
		return nil, eris.Errorf("listing: no categories in %s", path)
	}
	return cats, nil
}

// FindCategory looks a category up by id or exact name.
func FindCategory(cats []model.Category, key string) (model.Category, bool) {
	for _, c := range cats {
		if c.ID == key || c.Name == key {
			return c, true
		}
	}
	return model.Category{}, false
}
