package message

import (
	"encoding/json"
	"strings"
)

// ProductData is the typed view of the opaque productData payload.
type ProductData struct {
	Name          string `json:"name"`
	OriginalPrice string `json:"originalPrice"`
	DiscountPrice string `json:"discountPrice"`
	HasCoupon     bool   `json:"hasCoupon"`
	CouponName    string `json:"couponName"`
	ProductLink   string `json:"productLink"`
	ProductImage  string `json:"productImage,omitempty"`
	StoreName     string `json:"storeName"`
}

// Compose renders the promotional WhatsApp text for p.
func Compose(p ProductData) string {
	lines := make([]string, 0, 16)

	lines = append(lines, "*"+p.Name+"*", "")
	if p.StoreName != "" {
		lines = append(lines, "Visite a página e encontre todos os produtos de *"+p.StoreName+"*", "")
	}
	lines = append(lines, "📦 *"+p.Name+"*", "")
	lines = append(lines, "~De R$ "+p.OriginalPrice+"~")

	if p.HasCoupon && p.CouponName != "" {
		lines = append(lines,
			"*Por R$ "+p.DiscountPrice+"* com o cupom *"+strings.ToUpper(p.CouponName)+"*",
			"",
			"🔥 *CUPOM COM USO LIMITADO, CORRA!*",
		)
	} else {
		lines = append(lines, "*Por R$ "+p.DiscountPrice+"*")
	}

	lines = append(lines, "", "Link do produto ⬇️", p.ProductLink)
	return strings.Join(lines, "\n")
}

// ProductImage returns the productImage field of a raw productData payload,
// or "" when absent, null or not an object.
func ProductImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v struct {
		ProductImage *string `json:"productImage"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.ProductImage == nil {
		return ""
	}
	return strings.TrimSpace(*v.ProductImage)
}
