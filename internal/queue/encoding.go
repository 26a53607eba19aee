package queue

// ============================================================================
// Flat key/value 編碼
// 職責：
// 1. 將記錄攤平成交錯的 key/value 字串序列（保留欄位順序）
// 2. 字串原樣寫入，數字與布林寫入其文字形式
// 3. 物件與陣列寫成 JSON 文字，解碼時還原成相同結構
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrOddFields 表示 key/value 序列長度不是偶數
var ErrOddFields = errors.New("queue: odd number of fields")

// Flatten 將記錄攤平成 [k1, v1, k2, v2, ...]
//
// 記錄以 encoding/json 規則序列化（遵守 json tag 與 omitempty），
// 頂層必須是 JSON 物件。null 欄位不寫入。
func Flatten(v any) ([]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: flatten: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("queue: flatten: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("queue: flatten: %T does not encode to a JSON object", v)
	}

	fields := make([]string, 0, 16)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("queue: flatten: %w", err)
		}
		key, _ := keyTok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("queue: flatten %q: %w", key, err)
		}

		switch value[0] {
		case 'n':
			continue
		case '"':
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return nil, fmt.Errorf("queue: flatten %q: %w", key, err)
			}
			fields = append(fields, key, s)
		default:
			fields = append(fields, key, string(value))
		}
	}
	return fields, nil
}

// Unflatten 將 key/value 序列還原到 out（必須是非 nil 指標）
//
// 每個值依目標欄位型別轉回 JSON：
//   - 字串型別：視為原始字串
//   - 數字 / 布林：視為 JSON 字面值
//   - 其他（slice、map、struct、interface）：若為合法 JSON 則原樣使用，否則視為字串
//
// 目標為 map 時 value 型別若是 interface，只有以 { 或 [ 開頭的合法 JSON 會被還原成結構，
// 其他值一律保留為字串。
func Unflatten(fields []string, out any) error {
	if len(fields)%2 != 0 {
		return fmt.Errorf("%w: got %d", ErrOddFields, len(fields))
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("queue: unflatten into non-pointer %T", out)
	}

	lookup := fieldTypes(rv.Elem().Type())

	obj := make(map[string]json.RawMessage, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		raw, err := toRaw(lookup(key), value)
		if err != nil {
			return fmt.Errorf("queue: unflatten %q: %w", key, err)
		}
		obj[key] = raw
	}

	buf, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("queue: unflatten: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("queue: unflatten: %w", err)
	}
	return nil
}

// fieldTypes 返回 key -> 目標型別的查詢函式；未知 key 返回 nil
func fieldTypes(t reflect.Type) func(string) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Map:
		elem := t.Elem()
		return func(string) reflect.Type { return elem }

	case reflect.Struct:
		byName := make(map[string]reflect.Type, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tag == "-" {
					continue
				}
				if n, _, _ := strings.Cut(tag, ","); n != "" {
					name = n
				}
			}
			byName[name] = f.Type
		}
		return func(key string) reflect.Type {
			if ft, ok := byName[key]; ok {
				return ft
			}
			// encoding/json 的欄位比對不分大小寫
			for name, ft := range byName {
				if strings.EqualFold(name, key) {
					return ft
				}
			}
			return nil
		}
	}
	return func(string) reflect.Type { return nil }
}

var textUnmarshalerType = reflect.TypeOf((*interface{ UnmarshalText([]byte) error })(nil)).Elem()

func toRaw(t reflect.Type, value string) (json.RawMessage, error) {
	quoted := func() (json.RawMessage, error) { return json.Marshal(value) }

	if t == nil {
		return looseRaw(value)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if reflect.PointerTo(t).Implements(textUnmarshalerType) && t.Kind() != reflect.Interface {
		if json.Valid([]byte(value)) && value[0] == '"' {
			return json.RawMessage(value), nil
		}
		return quoted()
	}

	switch t.Kind() {
	case reflect.String:
		return quoted()
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if value == "" {
			return nil, fmt.Errorf("empty value for %s", t.Kind())
		}
		return json.RawMessage(value), nil
	case reflect.Slice:
		// []byte 以 base64 字串傳遞
		if t.Elem().Kind() == reflect.Uint8 {
			return quoted()
		}
	case reflect.Interface:
		return looseRaw(value)
	}

	if json.Valid([]byte(value)) {
		return json.RawMessage(value), nil
	}
	return quoted()
}

// looseRaw 用於沒有型別資訊的值：只還原物件與陣列
func looseRaw(value string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(value)
}
