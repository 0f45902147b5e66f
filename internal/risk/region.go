package risk

// regionByCity maps normalized city names, Latin and Arabic, to a coarse
// region of the kingdom.
var regionByCity = map[string]string{
	"riyadh": "central", "الرياض": "central",
	"buraydah": "central", "بريدة": "central",

	"jeddah": "western", "جدة": "western",
	"makkah": "western", "mecca": "western", "مكة": "western", "مكة المكرمة": "western",
	"madinah": "western", "medina": "western", "المدينة": "western", "المدينة المنورة": "western",

	"dammam": "eastern", "الدمام": "eastern",
	"khobar": "eastern", "الخبر": "eastern",
	"dhahran": "eastern", "الظهران": "eastern",
	"jubail": "eastern", "الجبيل": "eastern",

	"abha": "southern", "أبها": "southern",
	"khamis mushait": "southern", "خميس مشيط": "southern",
	"jazan": "southern", "جازان": "southern",
	"najran": "southern", "نجران": "southern",

	"tabuk": "northern", "تبوك": "northern",
	"hail": "northern", "حائل": "northern",
	"arar": "northern", "عرعر": "northern",
	"sakaka": "northern", "سكاكا": "northern",
}

// RegionForCity returns the region for a normalized city name, or "unknown".
func RegionForCity(city string) string {
	if r, ok := regionByCity[city]; ok {
		return r
	}
	return "unknown"
}
