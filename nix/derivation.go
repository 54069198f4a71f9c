package nix

import (
	"fmt"
	"sort"
	"strings"
)

// DrvExtension is the filename extension of derivation files.
const DrvExtension = ".drv"

// DerivationOutput describes one output of a derivation. Path may be empty
// for outputs whose path is not known up front.
type DerivationOutput struct {
	Path     StorePath
	HashAlgo string
	Hash     string
}

// Derivation is the parsed body of a .drv file: the immutable description of
// a single build.
type Derivation struct {
	Name      string
	Outputs   map[string]DerivationOutput
	InputDrvs map[StorePath][]string
	InputSrcs []StorePath
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// OutputPaths returns the known output paths keyed by output name.
func (d *Derivation) OutputPaths() map[string]StorePath {
	out := make(map[string]StorePath, len(d.Outputs))
	for name, o := range d.Outputs {
		if o.Path != "" {
			out[name] = o.Path
		}
	}
	return out
}

// OutputNames returns the output names in sorted order.
func (d *Derivation) OutputNames() []string {
	names := make([]string, 0, len(d.Outputs))
	for name := range d.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseDerivation parses the ATerm representation of a derivation,
// Derive([outputs],[inputDrvs],[inputSrcs],platform,builder,args,env).
func ParseDerivation(storeDir, name string, body string) (*Derivation, error) {
	p := &atermParser{s: body}
	d := &Derivation{
		Name:      name,
		Outputs:   make(map[string]DerivationOutput),
		InputDrvs: make(map[StorePath][]string),
		Env:       make(map[string]string),
	}

	if err := p.expect("Derive(["); err != nil {
		return nil, err
	}

	// Outputs: ("name","path","hashAlgo","hash")
	err := p.list(func() error {
		fields, err := p.tuple(4)
		if err != nil {
			return err
		}
		out := DerivationOutput{HashAlgo: fields[2], Hash: fields[3]}
		if fields[1] != "" {
			out.Path, err = ParseStorePath(storeDir, fields[1])
			if err != nil {
				return err
			}
		}
		d.Outputs[fields[0]] = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing outputs: %w", err)
	}

	// Input derivations: ("drvPath",["out1","out2"])
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		if err := p.expect("("); err != nil {
			return err
		}
		drvStr, err := p.string()
		if err != nil {
			return err
		}
		drvPath, err := ParseStorePath(storeDir, drvStr)
		if err != nil {
			return err
		}
		if err := p.expect(",["); err != nil {
			return err
		}
		var outputs []string
		err = p.list(func() error {
			s, err := p.string()
			if err != nil {
				return err
			}
			outputs = append(outputs, s)
			return nil
		})
		if err != nil {
			return err
		}
		if err := p.expect(")"); err != nil {
			return err
		}
		d.InputDrvs[drvPath] = outputs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing input derivations: %w", err)
	}

	// Input sources.
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		s, err := p.string()
		if err != nil {
			return err
		}
		sp, err := ParseStorePath(storeDir, s)
		if err != nil {
			return err
		}
		d.InputSrcs = append(d.InputSrcs, sp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing input sources: %w", err)
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}
	if d.Platform, err = p.string(); err != nil {
		return nil, err
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	if d.Builder, err = p.string(); err != nil {
		return nil, err
	}

	// Builder arguments.
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		s, err := p.string()
		if err != nil {
			return err
		}
		d.Args = append(d.Args, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing builder args: %w", err)
	}

	// Environment: ("key","value")
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		fields, err := p.tuple(2)
		if err != nil {
			return err
		}
		d.Env[fields[0]] = fields[1]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return d, nil
}

// Unparse renders the derivation back into its canonical ATerm form.
func (d *Derivation) Unparse() string {
	var b strings.Builder
	b.WriteString("Derive([")

	for i, name := range d.OutputNames() {
		if i > 0 {
			b.WriteByte(',')
		}
		o := d.Outputs[name]
		fmt.Fprintf(&b, "(%s,%s,%s,%s)",
			atermString(name), atermString(string(o.Path)), atermString(o.HashAlgo), atermString(o.Hash))
	}
	b.WriteString("],[")

	inputDrvs := make([]string, 0, len(d.InputDrvs))
	for p := range d.InputDrvs {
		inputDrvs = append(inputDrvs, string(p))
	}
	sort.Strings(inputDrvs)
	for i, p := range inputDrvs {
		if i > 0 {
			b.WriteByte(',')
		}
		outputs := append([]string(nil), d.InputDrvs[StorePath(p)]...)
		sort.Strings(outputs)
		quoted := make([]string, len(outputs))
		for j, o := range outputs {
			quoted[j] = atermString(o)
		}
		fmt.Fprintf(&b, "(%s,[%s])", atermString(p), strings.Join(quoted, ","))
	}
	b.WriteString("],[")

	srcs := make([]string, len(d.InputSrcs))
	for i, p := range d.InputSrcs {
		srcs[i] = string(p)
	}
	sort.Strings(srcs)
	for i, p := range srcs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(atermString(p))
	}
	b.WriteString("],")

	b.WriteString(atermString(d.Platform))
	b.WriteByte(',')
	b.WriteString(atermString(d.Builder))
	b.WriteString(",[")
	for i, a := range d.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(atermString(a))
	}
	b.WriteString("],[")

	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "(%s,%s)", atermString(k), atermString(d.Env[k]))
	}
	b.WriteString("])")
	return b.String()
}

func atermString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

type atermParser struct {
	s   string
	pos int
}

func (p *atermParser) expect(lit string) error {
	if !strings.HasPrefix(p.s[p.pos:], lit) {
		return fmt.Errorf("expected %q at offset %d", lit, p.pos)
	}
	p.pos += len(lit)
	return nil
}

func (p *atermParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

// list parses elements until the closing bracket, consuming it. The opening
// bracket must already have been consumed.
func (p *atermParser) list(elem func() error) error {
	for {
		if p.peek() == ']' {
			p.pos++
			return nil
		}
		if err := elem(); err != nil {
			return err
		}
		if p.peek() == ',' {
			p.pos++
		}
	}
}

func (p *atermParser) tuple(n int) ([]string, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	fields := make([]string, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		s, err := p.string()
		if err != nil {
			return nil, err
		}
		fields[i] = s
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return fields, nil
}

func (p *atermParser) string() (string, error) {
	if err := p.expect(`"`); err != nil {
		return "", err
	}
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos >= len(p.s) {
				return "", fmt.Errorf("unterminated escape at offset %d", p.pos)
			}
			e := p.s[p.pos]
			p.pos++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated string")
}
