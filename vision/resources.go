package vision

import (
	"os"

	"github.com/tidwall/gjson"
)

// Resources names the filesystem collaborators the server depends on:
// the two Haar cascade files, the scratch file exchanged with OpenCV,
// and the canned response streamed on a malformed request.
type Resources struct {
	FaceCascade  string
	EyeCascade   string
	Scratch      string
	ResponseFile string
}

// Fixed install locations. Deployments that keep the cascades elsewhere
// point FACESERVE_RESOURCES at a JSON file overriding individual paths.
const (
	defaultFaceCascade  = "/local/courses/csse2310/resources/a4/haarcascade_frontalface_alt2.xml"
	defaultEyeCascade   = "/local/courses/csse2310/resources/a4/haarcascade_eye.xml"
	defaultScratch      = "/tmp/imagefile.jpg"
	defaultResponseFile = "/local/courses/csse2310/resources/a4/responsefile"
)

// ResourcesEnv is the environment variable naming an override file.
const ResourcesEnv = "FACESERVE_RESOURCES"

func DefaultResources() Resources {
	return Resources{
		FaceCascade:  defaultFaceCascade,
		EyeCascade:   defaultEyeCascade,
		Scratch:      defaultScratch,
		ResponseFile: defaultResponseFile,
	}
}

// LoadResources returns the defaults with any overrides from the file
// named by FACESERVE_RESOURCES applied. A missing or unreadable file
// leaves the defaults untouched.
func LoadResources() Resources {
	res := DefaultResources()
	path := os.Getenv(ResourcesEnv)
	if path == "" {
		return res
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return res
	}
	return overlayResources(res, string(data))
}

func overlayResources(res Resources, doc string) Resources {
	if v := gjson.Get(doc, "face_cascade"); v.Exists() {
		res.FaceCascade = v.String()
	}
	if v := gjson.Get(doc, "eye_cascade"); v.Exists() {
		res.EyeCascade = v.String()
	}
	if v := gjson.Get(doc, "scratch"); v.Exists() {
		res.Scratch = v.String()
	}
	if v := gjson.Get(doc, "response_file"); v.Exists() {
		res.ResponseFile = v.String()
	}
	return res
}
