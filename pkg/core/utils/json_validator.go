package utils

import (
	"encoding/json"
	"fmt"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// RepairJSON attempts to fix common JSON damage: truncated files, trailing commas,
// single quotes, unquoted keys and unclosed arrays/objects.
// Uses github.com/RealAlexandreAI/json-repair.
func RepairJSON(malformedJSON string) (string, error) {
	repaired, err := jsonrepair.RepairJSON(malformedJSON)
	if err != nil {
		return "", fmt.Errorf("JSON_REPAIR_FAILED: %v", err)
	}
	return repaired, nil
}

// DecodeLenient unmarshals data into v, falling back to a repaired copy when strict
// decoding fails. repaired reports whether the fallback was used.
func DecodeLenient(data []byte, v interface{}) (repaired bool, err error) {
	strictErr := json.Unmarshal(data, v)
	if strictErr == nil {
		return false, nil
	}
	fixed, err := RepairJSON(string(data))
	if err != nil {
		return false, fmt.Errorf("JSON_STRUCTURAL_ERROR: %v", strictErr)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return false, fmt.Errorf("JSON_STRUCTURAL_ERROR: %v (after repair: %v)", strictErr, err)
	}
	return true, nil
}

// ParseHJSON parses Human-friendly JSON (Hjson) and returns standard JSON.
// Hjson supports comments, unquoted keys and strings, optional commas and multiline strings.
func ParseHJSON(hjsonData string) (string, error) {
	var result interface{}
	if err := hjson.Unmarshal([]byte(hjsonData), &result); err != nil {
		return "", fmt.Errorf("HJSON_PARSE_ERROR: %v", err)
	}
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("JSON_MARSHAL_ERROR: %v", err)
	}
	return string(jsonBytes), nil
}

// ParseHJSONToStruct parses Hjson directly into a Go struct.
func ParseHJSONToStruct(hjsonData string, schema interface{}) error {
	if err := hjson.Unmarshal([]byte(hjsonData), schema); err != nil {
		return fmt.Errorf("HJSON_UNMARSHAL_ERROR: %v", err)
	}
	return nil
}
