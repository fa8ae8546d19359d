package workflow

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SchemaMapping is one crosswalk row: a source schema name and the
// database.schema it becomes on the target. Rows whose target is unknown
// carry the DB_NOT_FOUND.SCHEMA_NOT_FOUND sentinel.
type SchemaMapping struct {
	Source string
	Target string
}

// schemaNotFoundSentinel marks crosswalk rows without a resolved target.
// Replacements that land on it are backed out of the implemented count.
const schemaNotFoundSentinel = "DB_NOT_FOUND.SCHEMA_NOT_FOUND"

// crosswalkExtensions are the suffixes the mapping pass rewrites. The list
// is narrower than sqlExtensions: plain .txt exports are never remapped.
var crosswalkExtensions = []string{".sql", ".btq", ".ddl"}

// LoadCrosswalk parses the schema crosswalk CSV. Cells are matched by the
// SOURCE_SCHEMA and TARGET_DB_SCHEMA headers; rows missing either are
// skipped.
func LoadCrosswalk(path string) ([]SchemaMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crosswalk csv: %w", err)
	}
	reader := csv.NewReader(strings.NewReader(stripBOM(string(raw))))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing crosswalk csv: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("crosswalk csv %s is empty", path)
	}
	srcCol, dstCol := -1, -1
	for i, name := range records[0] {
		switch strings.TrimSpace(name) {
		case "SOURCE_SCHEMA":
			srcCol = i
		case "TARGET_DB_SCHEMA":
			dstCol = i
		}
	}
	if srcCol < 0 || dstCol < 0 {
		return nil, fmt.Errorf("crosswalk csv %s missing SOURCE_SCHEMA/TARGET_DB_SCHEMA columns", path)
	}
	var mappings []SchemaMapping
	for _, row := range records[1:] {
		if srcCol >= len(row) || dstCol >= len(row) {
			continue
		}
		source := strings.TrimSpace(row[srcCol])
		target := strings.TrimSpace(row[dstCol])
		if source == "" || target == "" {
			continue
		}
		mappings = append(mappings, SchemaMapping{Source: source, Target: target})
	}
	return mappings, nil
}

// ApplyCrosswalk rewrites schema references in every SQL file directly
// under inputDir and writes the results to outputDir, normalizing .btq and
// .ddl extensions to .sql. A summary.json in outputDir records, per file,
// how many replacements were expected and how many stuck. logf receives the
// same progress lines the summary is built from; nil disables it.
func ApplyCrosswalk(mappings []SchemaMapping, inputDir, outputDir string, logf func(string)) error {
	if logf == nil {
		logf = func(string) {}
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return fmt.Errorf("reading source directory: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating mapped output directory: %w", err)
	}

	// Schema names only contain identifier characters, but QuoteMeta keeps
	// a malformed crosswalk row from corrupting the pattern. The trailing
	// dot is consumed and re-emitted because RE2 has no lookahead.
	patterns := make([]*regexp.Regexp, len(mappings))
	for i, m := range mappings {
		patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(m.Source) + `\b\.`)
	}

	summary := map[string][]string{}
	for _, entry := range entries {
		if entry.IsDir() || !hasCrosswalkExtension(entry.Name()) {
			continue
		}
		filename := entry.Name()
		logf("Started processing " + filename)

		raw, err := os.ReadFile(filepath.Join(inputDir, filename))
		if err != nil {
			return fmt.Errorf("reading %s: %w", filename, err)
		}
		before := string(raw)
		current := before

		totalMatches := 0
		totalReplacements := 0
		for i, m := range mappings {
			found := patterns[i].FindAllStringIndex(current, -1)
			totalMatches += len(found)
			totalReplacements += len(found)
			if len(found) == 0 {
				continue
			}
			target := m.Target
			current = patterns[i].ReplaceAllStringFunc(current, func(string) string {
				return target + "."
			})
		}

		fileSummary := []string{
			"Name of the filename : " + filename,
			fmt.Sprintf("No of places changes expected : %d", totalMatches),
		}

		spChanges := 0
		beforeLines := strings.Split(strings.TrimSpace(before), "\n")
		afterLines := strings.Split(strings.TrimSpace(current), "\n")
		n := len(beforeLines)
		if len(afterLines) < n {
			n = len(afterLines)
		}
		for i := 0; i < n; i++ {
			b := strings.TrimSpace(beforeLines[i])
			a := strings.TrimSpace(afterLines[i])
			if b == a {
				continue
			}
			logf("Before: " + b)
			logf("After: " + a)

			isProcedure := strings.Contains(b, "REPLACE PROCEDURE") && strings.Contains(a, "REPLACE PROCEDURE")
			unresolved := strings.Contains(a, schemaNotFoundSentinel)
			if isProcedure {
				spChanges++
				if unresolved {
					logf("SP Database not found and Schema not found in cross walk")
					logf("SP DB Change: NO")
					totalReplacements--
					fileSummary = append(fileSummary, "SP DB Change: NO")
				} else {
					logf("SP DB Change: YES")
					fileSummary = append(fileSummary, "SP DB Change: YES")
				}
			} else {
				if unresolved {
					logf("Inside the code DB Change: NO")
					totalReplacements--
				} else {
					logf("Inside the code DB Change: YES")
				}
			}
		}
		if spChanges == 0 {
			logf("SP DB Change: NO")
			fileSummary = append(fileSummary, "SP DB Change: NO")
		}
		if totalMatches != totalReplacements {
			logf("In SP or Inside code Database/Schema not found in cross walk, please check file")
		}
		fileSummary = append(fileSummary, fmt.Sprintf("No of places changes implemented: %d", totalReplacements))
		summary[filename] = fileSummary

		logf("Finished processing " + filename)

		outName := filename
		if strings.HasSuffix(outName, ".btq") {
			outName = strings.TrimSuffix(outName, ".btq") + ".sql"
		} else if strings.HasSuffix(outName, ".ddl") {
			outName = strings.TrimSuffix(outName, ".ddl") + ".sql"
		}
		if err := os.WriteFile(filepath.Join(outputDir, outName), []byte(current), 0o644); err != nil {
			return fmt.Errorf("writing mapped file %s: %w", outName, err)
		}
	}

	summaryJSON, err := json.MarshalIndent(summary, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding mapping summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "summary.json"), summaryJSON, 0o644); err != nil {
		return fmt.Errorf("writing mapping summary: %w", err)
	}
	return nil
}

func hasCrosswalkExtension(name string) bool {
	for _, ext := range crosswalkExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
