package device

import "testing"

func TestISAPIConfig_BaseURL(t *testing.T) {
	tests := []struct {
		cfg  ISAPIConfig
		want string
	}{
		{ISAPIConfig{Host: "10.0.0.5"}, "http://10.0.0.5"},
		{ISAPIConfig{Host: "10.0.0.5", Port: 8080}, "http://10.0.0.5:8080"},
		{ISAPIConfig{Host: "cam.local", TLS: true}, "https://cam.local"},
	}
	for _, tt := range tests {
		if got := tt.cfg.BaseURL(); got != tt.want {
			t.Errorf("BaseURL() = %q, want %q", got, tt.want)
		}
	}
}

func TestDecodeConfig_UnknownBrand(t *testing.T) {
	if _, err := DecodeConfig("acme", nil); err == nil {
		t.Error("DecodeConfig(acme) should fail")
	}
}

func TestDeepCopy_ADMSTimeZone(t *testing.T) {
	tz := 2
	d := &Device{Serial: "A", Config: ADMSConfig{TimeZone: &tz}}
	cp := d.DeepCopy()
	*cp.Config.(ADMSConfig).TimeZone = 5
	if tz != 2 {
		t.Errorf("DeepCopy shares TimeZone pointer")
	}
}

func TestBrand_PushCapable(t *testing.T) {
	if !BrandEBKN.PushCapable() || !BrandADMS.PushCapable() {
		t.Error("push brands should be push capable")
	}
	if BrandISAPI.PushCapable() {
		t.Error("isapi is polled")
	}
}
