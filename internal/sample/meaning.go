package sample

import "strings"

var abbreviations = map[string]string{
	"nm": "name", "dt": "date", "no": "number", "cd": "code",
	"desc": "description", "amt": "amount", "cnt": "count", "qty": "quantity",
	"addr": "address", "tel": "phone", "hp": "phone", "ph": "phone", "mobile": "phone",
	"mail": "email", "zip": "zipcode", "post": "zipcode", "postal": "zipcode",
	"msg": "message", "txt": "text", "tit": "title", "subj": "subject",
	"usr": "user", "emp": "employee", "dept": "department", "cat": "category",
	"loc": "location", "lat": "latitude", "lng": "longitude", "lon": "longitude",
	"st": "street", "dist": "district", "bal": "balance",
	"price": "price", "cost": "price",
	"reg": "registered", "mod": "modified", "cre": "created", "upd": "updated",
	"yn": "yesno", "is": "yesno", "use": "yesno", "flg": "yesno", "flag": "yesno",
	"stat": "status", "sts": "status", "ord": "order", "seq": "sequence",
}

// hints in priority order; the first one present in the decoded name wins
var hints = []string{
	"email", "phone", "zipcode", "address", "city", "country",
	"first", "last", "name", "title", "subject", "description", "comment", "text",
	"yesno", "price", "amount", "count", "quantity", "year", "date", "url", "ip", "uuid", "code",
}

// meaning guesses what a column holds from its name: "cust_addr_1" -> "address".
func meaning(column string) string {
	n := strings.ToLower(column)
	parts := strings.FieldsFunc(n, func(r rune) bool { return r == '_' || r == '-' || r == ' ' || r == '.' })
	for i, p := range parts {
		if full, ok := abbreviations[p]; ok {
			parts[i] = full
		}
	}
	for _, h := range hints {
		for _, p := range parts {
			if p == h {
				return h
			}
		}
	}
	// glued words such as "username" or "birthdate"
	for _, h := range []string{"email", "phone", "address", "name", "date"} {
		if strings.Contains(n, h) {
			return h
		}
	}
	return ""
}
