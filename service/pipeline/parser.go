package pipeline

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"gateway-service/service/models"

	"github.com/spf13/cast"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// 结构化解析器类型
const (
	ParserJSON = "JSON"
	ParserXML  = "XML"
	ParserText = "TEXT"
	ParserRaw  = "RAW"
)

// ErrParse 结构化解析失败
var ErrParse = errors.New("数据解析失败")

// ParseStructured 按解析器类型把原始字节解析为字段集合。
// 非对象 JSON 放在 value 字段下；TEXT 支持 delimiter+fields 拆分；RAW 输出十六进制。
func ParseStructured(parserType string, raw []byte, options models.JSONB) (map[string]interface{}, error) {
	switch strings.ToUpper(strings.TrimSpace(parserType)) {
	case "", ParserJSON:
		return parseJSON(raw)
	case ParserXML:
		return parseXML(raw)
	case ParserText:
		return parseText(raw, options)
	case ParserRaw:
		return map[string]interface{}{
			"raw_hex": hex.EncodeToString(raw),
			"size":    len(raw),
		}, nil
	default:
		return nil, fmt.Errorf("%w: 不支持的解析器类型 %s", ErrParse, parserType)
	}
}

func parseJSON(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: JSON格式错误: %v", ErrParse, err)
	}
	v = normalizeNumbers(v)
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{"value": v}, nil
}

// normalizeNumbers 整数保持 int64，其余转为 float64
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []interface{}:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	}
	return v
}

type xmlNode struct {
	name     string
	attrs    map[string]interface{}
	children map[string]interface{}
	text     strings.Builder
}

// parseXML 根元素名作为顶层键；属性以 @ 前缀，重复子元素合并为数组
func parseXML(raw []byte) (map[string]interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToUpper(charset) {
		case "GBK", "GB2312", "GB18030":
			return simplifiedchinese.GBK.NewDecoder().Reader(input), nil
		}
		return input, nil
	}

	var stack []*xmlNode
	var root map[string]interface{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: XML格式错误: %v", ErrParse, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{name: t.Name.Local, children: map[string]interface{}{}}
			if len(t.Attr) > 0 {
				node.attrs = make(map[string]interface{}, len(t.Attr))
				for _, a := range t.Attr {
					node.attrs["@"+a.Name.Local] = a.Value
				}
			}
			stack = append(stack, node)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: XML结构不完整", ErrParse)
			}
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			value := node.value()
			if len(stack) == 0 {
				root = map[string]interface{}{node.name: value}
				continue
			}
			parent := stack[len(stack)-1].children
			if existing, ok := parent[node.name]; ok {
				if list, ok := existing.([]interface{}); ok {
					parent[node.name] = append(list, value)
				} else {
					parent[node.name] = []interface{}{existing, value}
				}
			} else {
				parent[node.name] = value
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: XML内容为空", ErrParse)
	}
	return root, nil
}

func (n *xmlNode) value() interface{} {
	text := strings.TrimSpace(n.text.String())
	if len(n.children) == 0 && len(n.attrs) == 0 {
		return text
	}
	out := make(map[string]interface{}, len(n.children)+len(n.attrs)+1)
	for k, v := range n.attrs {
		out[k] = v
	}
	for k, v := range n.children {
		out[k] = v
	}
	if text != "" {
		out["#text"] = text
	}
	return out
}

func parseText(raw []byte, options models.JSONB) (map[string]interface{}, error) {
	text, err := decodeText(raw, options.GetString("encoding", "UTF-8"))
	if err != nil {
		return nil, err
	}
	text = strings.TrimRight(text, "\r\n")

	delimiter := options.GetString("delimiter", "")
	names := cast.ToStringSlice(options["fields"])
	if delimiter == "" || len(names) == 0 {
		return map[string]interface{}{"text": text}, nil
	}

	parts := strings.Split(text, delimiter)
	out := make(map[string]interface{}, len(names)+1)
	for i, name := range names {
		if i >= len(parts) {
			break
		}
		out[name] = strings.TrimSpace(parts[i])
	}
	out["text"] = text
	return out, nil
}

func decodeText(raw []byte, encoding string) (string, error) {
	switch strings.ToUpper(strings.ReplaceAll(encoding, "-", "")) {
	case "GBK", "GB2312", "GB18030":
		out, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("%w: GBK解码失败: %v", ErrParse, err)
		}
		return string(out), nil
	default:
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%w: 非法的UTF-8文本", ErrParse)
		}
		return string(raw), nil
	}
}

// fallbackFields 未要求解析时尽力而为：JSON 对象、UTF-8 文本或十六进制
func fallbackFields(raw []byte) map[string]interface{} {
	if fields, err := parseJSON(raw); err == nil {
		return fields
	}
	if utf8.Valid(raw) {
		return map[string]interface{}{"text": string(raw)}
	}
	return map[string]interface{}{"raw_hex": hex.EncodeToString(raw)}
}
