package sensor

import (
	"errors"
	"testing"
)

func TestDecode_WellFormed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Reading
	}{
		{"both", `{"temperature":21.5,"humidity":48.2}`, Reading{Float(21.5), Float(48.2)}},
		{"integers", `{"temperature":20,"humidity":55}`, Reading{Float(20), Float(55)}},
		{"temperature only", `{"temperature":20}`, Reading{Temperature: Float(20)}},
		{"humidity only", `{"humidity":55}`, Reading{Humidity: Float(55)}},
		{"extra fields", `{"temperature":19.25,"battery":87,"id":"th-1"}`, Reading{Temperature: Float(19.25)}},
		{"null field", `{"temperature":null,"humidity":40}`, Reading{Humidity: Float(40)}},
		{"empty object", `{}`, Reading{}},
		{"whitespace", "  {\"humidity\": 61.0}\n", Reading{Humidity: Float(61)}},
		{"negative", `{"temperature":-4.5}`, Reading{Temperature: Float(-4.5)}},
		{"other-case duplicate ignored", `{"temperature":20,"TEMPERATURE":99}`, Reading{Temperature: Float(20)}},
		{"other-case only", `{"Temperature":99,"HUMIDITY":1}`, Reading{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", tt.payload, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Decode(%s) = %s, want %s", tt.payload, got.Format(), tt.want.Format())
			}
		})
	}
}

func TestDecode_ExactValues(t *testing.T) {
	got, err := Decode([]byte(`{"temperature":21.5,"humidity":48.2}`))
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if got.Temperature == nil || *got.Temperature != 21.5 {
		t.Errorf("Temperature = %v, want exactly 21.5", got.Temperature)
	}
	if got.Humidity == nil || *got.Humidity != 48.2 {
		t.Errorf("Humidity = %v, want exactly 48.2", got.Humidity)
	}
}

func TestDecode_Malformed(t *testing.T) {
	payloads := []string{
		``,
		`not json`,
		`{"temperature":`,
		`[21.5, 48.2]`,
		`"21.5"`,
		`21.5`,
		`null`,
		`{"temperature":"hot"}`,
		`{"humidity":true}`,
		`{"temperature":{"value":21}}`,
	}
	for _, p := range payloads {
		_, err := Decode([]byte(p))
		if err == nil {
			t.Errorf("Decode(%q) error = nil, want ErrMalformed", p)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) error = %v, want wrapping ErrMalformed", p, err)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	r := Reading{Temperature: Float(23), Humidity: Float(44.4)}
	got, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if !got.Equal(r) {
		t.Errorf("round trip = %s, want %s", got.Format(), r.Format())
	}

	if s := string(Encode(Reading{Humidity: Float(55)})); s != `{"humidity":55}` {
		t.Errorf("Encode(humidity only) = %s, want {\"humidity\":55}", s)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		r    Reading
		want string
	}{
		{Reading{Float(21.54), Float(48.2)}, "21.5°C 48.2%"},
		{Reading{Temperature: Float(20)}, "20.0°C --%"},
		{Reading{}, "--°C --%"},
	}
	for _, tt := range tests {
		if got := tt.r.Format(); got != tt.want {
			t.Errorf("Format() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewCopiesValues(t *testing.T) {
	v := 20.0
	r := New(&v, nil)
	v = 99
	if *r.Temperature != 20 {
		t.Errorf("Temperature = %v after mutating source, want 20", *r.Temperature)
	}
	if r.Humidity != nil {
		t.Errorf("Humidity = %v, want nil", *r.Humidity)
	}
}

func TestEqualAndEmpty(t *testing.T) {
	if !(Reading{}).IsEmpty() {
		t.Error("zero Reading should be empty")
	}
	if (Reading{Humidity: Float(1)}).IsEmpty() {
		t.Error("reading with humidity should not be empty")
	}
	if (Reading{Temperature: Float(20)}).Equal(Reading{Humidity: Float(20)}) {
		t.Error("readings with different fields present should differ")
	}
}

func TestFields(t *testing.T) {
	f := Reading{Temperature: Float(20)}.Fields()
	if len(f) != 1 || f["temperature"] != 20.0 {
		t.Errorf("Fields() = %v, want only temperature", f)
	}
}
