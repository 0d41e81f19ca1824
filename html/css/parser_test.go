package css

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func b(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func val(typ ValueType, value, raw string) Value {
	return Value{Type: typ, Value: b(value), Raw: b(raw)}
}

var parseDeclTests = []struct {
	name  string
	input string
	want  []Decl
}{
	{
		input: `border: 1px solid #ababab; padding: 0; background: url("https://example.com/foo.svg")`,
		want: []Decl{
			{Property: b("border"), Values: []Value{
				{Type: ValueDimension, Number: 1, Value: b("px"), Raw: b("1px")},
				val(ValueIdent, "solid", ""),
				val(ValueHash, "ababab", ""),
			}},
			{Property: b("padding"), Values: []Value{
				{Type: ValueInteger, Raw: b("0")},
			}},
			{Property: b("background"), Values: []Value{
				val(ValueURL, "https://example.com/foo.svg", ""),
			}},
		},
	},
	{
		input: `color: gray /* comment */; font-size: 5.67em;`,
		want: []Decl{
			{Property: b("color"), Values: []Value{val(ValueIdent, "gray", "")}},
			{Property: b("font-size"), Values: []Value{
				{Type: ValueDimension, Number: 5.67, Value: b("em"), Raw: b("5.67em")},
			}},
		},
	},
	{
		name:  "bang_important",
		input: `display: none !important`,
		want: []Decl{
			{Property: b("display"), Values: []Value{val(ValueIdent, "none", "")}, BangImportant: true},
		},
	},
	{
		name:  "function_values",
		input: `color: rgb(1, 2, 3); width: calc(100% - 4px)`,
		want: []Decl{
			{Property: b("color"), Values: []Value{
				val(ValueFunction, "rgb", "rgb(1, 2, 3)"),
			}},
			{Property: b("width"), Values: []Value{
				val(ValueFunction, "calc", "calc(100% - 4px)"),
			}},
		},
	},
	{
		name:  "comma_list",
		input: `font-family: "Noto Sans", sans-serif`,
		want: []Decl{
			{Property: b("font-family"), Values: []Value{
				val(ValueString, "Noto Sans", ""),
				{Type: ValueComma},
				val(ValueIdent, "sans-serif", ""),
			}},
		},
	},
}

func TestParseDecl(t *testing.T) {
	for _, test := range parseDeclTests {
		name := test.name
		if name == "" {
			name = test.input
		}
		t.Run(name, func(t *testing.T) {
			errh := func(line, col, n int, msg string) {
				t.Errorf("%d:%d: (n=%d): %s", line, col, n, msg)
			}
			p := NewParser(NewScanner(strings.NewReader(test.input), errh))

			var got []Decl
			for {
				var decl Decl
				if !p.ParseDecl(&decl) {
					break
				}
				clearPos(&decl)
				got = append(got, decl)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("\ngot:  %v\nwant: %v", sprintDecls(got), sprintDecls(test.want))
			}
		})
	}
}

func TestParseDeclReuse(t *testing.T) {
	errh := func(line, col, n int, msg string) {
		t.Errorf("%d:%d: (n=%d): %s", line, col, n, msg)
	}
	p := NewParser(NewScanner(strings.NewReader(`color: red; color: blue`), errh))

	var decl Decl
	if !p.ParseDecl(&decl) {
		t.Fatal("no first declaration")
	}
	if !p.ParseDecl(&decl) {
		t.Fatal("no second declaration")
	}
	if got := string(AppendDecl(nil, &decl)); got != "color: blue;" {
		t.Errorf("reused decl formats as %q, want %q", got, "color: blue;")
	}
}

func sprintDecls(decls []Decl) string {
	buf := new(bytes.Buffer)
	buf.WriteString("[")
	for i, decl := range decls {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fprintDecl(buf, decl)
	}
	buf.WriteString("]")
	return buf.String()
}

func fprintDecl(buf *bytes.Buffer, decl Decl) {
	fmt.Fprintf(buf, "{prop:%q vals:[", decl.Property)
	for i, v := range decl.Values {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(buf, "{type:%d value:%q raw:%q num:%v}", v.Type, v.Value, v.Raw, v.Number)
	}
	fmt.Fprintf(buf, "] important:%v}", decl.BangImportant)
}

func clearPos(decl *Decl) {
	decl.Pos = Position{}
	for i := range decl.Values {
		decl.Values[i].Pos = Position{}
	}
}
