// Package vision wraps the OpenCV face and eye detection used by the
// server. The classifiers and the scratch file are process singletons;
// both are serialised here so callers never coordinate.
package vision

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrEncode       = errors.New("image encode failed")
)

// Image is an opaque decoded picture. Callers must Close every image
// they obtain.
type Image interface {
	Close() error
}

// Frame is the OpenCV-backed Image.
type Frame struct {
	mat gocv.Mat
}

func (f *Frame) Close() error { return f.mat.Close() }

// Detection parameters shared by the face and eye cascades.
const (
	detScaleFactor  = 1.1
	detMinNeighbors = 4
)

var detMaxSize = image.Pt(1000, 1000)

var (
	faceOutline = color.RGBA{R: 255, B: 255}
	eyeOutline  = color.RGBA{B: 255}
)

// Detector owns the two Haar cascades and the scratch file. Cascade
// invocations hold cascadeMu; every scratch write+load or save+read
// pair holds fileMu for its whole duration. The two are never held
// together.
type Detector struct {
	cascadeMu sync.Mutex
	face      gocv.CascadeClassifier
	eye       gocv.CascadeClassifier

	fileMu  sync.Mutex
	scratch string
}

// NewDetector loads both classifiers once. A load failure is fatal to
// the caller; there is no partial detector.
func NewDetector(res Resources) (*Detector, error) {
	d := &Detector{
		face:    gocv.NewCascadeClassifier(),
		eye:     gocv.NewCascadeClassifier(),
		scratch: res.Scratch,
	}
	if !d.face.Load(res.FaceCascade) {
		d.Close()
		return nil, fmt.Errorf("load face cascade %s", res.FaceCascade)
	}
	if !d.eye.Load(res.EyeCascade) {
		d.Close()
		return nil, fmt.Errorf("load eye cascade %s", res.EyeCascade)
	}
	return d, nil
}

func (d *Detector) Close() {
	d.face.Close()
	d.eye.Close()
}

// Decode loads a JPEG as a 3-channel colour frame.
func (d *Detector) Decode(data []byte) (Image, error) {
	return d.decode(data, gocv.IMReadColor)
}

// DecodeUnchanged loads a replacement image without channel conversion
// so an alpha channel survives.
func (d *Detector) DecodeUnchanged(data []byte) (Image, error) {
	return d.decode(data, gocv.IMReadUnchanged)
}

// decode round-trips through the scratch file: OpenCV's simplest decode
// entry point reads from the filesystem. fileMu covers the write and
// the load so concurrent workers never see each other's bytes.
func (d *Detector) decode(data []byte, flags gocv.IMReadFlag) (Image, error) {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	if err := os.WriteFile(d.scratch, data, 0o644); err != nil {
		return nil, fmt.Errorf("write scratch: %w", err)
	}
	mat := gocv.IMRead(d.scratch, flags)
	if mat.Empty() {
		mat.Close()
		return nil, ErrInvalidImage
	}
	return &Frame{mat: mat}, nil
}

// Encode saves the frame as JPEG via the scratch file and returns the
// file's bytes.
func (d *Detector) Encode(img Image) ([]byte, error) {
	f := img.(*Frame)
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	if ok := gocv.IMWrite(d.scratch, f.mat); !ok {
		return nil, ErrEncode
	}
	data, err := os.ReadFile(d.scratch)
	if err != nil {
		return nil, fmt.Errorf("read scratch: %w", err)
	}
	return data, nil
}

// FindFaces runs the face cascade over an equalised greyscale copy.
// An empty slice means no faces.
func (d *Detector) FindFaces(img Image) []image.Rectangle {
	f := img.(*Frame)
	gray := d.grayscale(f)
	defer gray.Close()

	d.cascadeMu.Lock()
	defer d.cascadeMu.Unlock()
	return d.face.DetectMultiScaleWithParams(
		gray, detScaleFactor, detMinNeighbors, 0,
		image.Pt(0, 0), detMaxSize,
	)
}

// Annotate outlines each face with a magenta ellipse and, when the eye
// cascade finds exactly two eyes inside a face, marks each eye with a
// blue circle whose radius is the mean half-dimension of its box.
func (d *Detector) Annotate(img Image, faces []image.Rectangle) {
	f := img.(*Frame)
	gray := d.grayscale(f)
	defer gray.Close()

	for _, face := range faces {
		center := image.Pt(face.Min.X+face.Dx()/2, face.Min.Y+face.Dy()/2)
		axes := image.Pt(face.Dx()/2, face.Dy()/2)
		gocv.EllipseWithParams(&f.mat, center, axes, 0, 0, 360, faceOutline, 4, gocv.Line8, 0)

		roi := gray.Region(face)
		d.cascadeMu.Lock()
		eyes := d.eye.DetectMultiScaleWithParams(
			roi, detScaleFactor, detMinNeighbors, 0,
			image.Pt(0, 0), detMaxSize,
		)
		d.cascadeMu.Unlock()
		roi.Close()

		if len(eyes) != 2 {
			continue
		}
		for _, eye := range eyes {
			c := image.Pt(
				face.Min.X+eye.Min.X+eye.Dx()/2,
				face.Min.Y+eye.Min.Y+eye.Dy()/2,
			)
			radius := (eye.Dx()/2 + eye.Dy()/2) / 2
			gocv.CircleWithParams(&f.mat, c, radius, eyeOutline, 4, gocv.Line8, 0)
		}
	}
}

// Composite pastes the replacement over each face. The replacement is
// resized to the face box with area interpolation, then copied pixel by
// pixel; fully transparent replacement pixels are skipped and only the
// BGR channels of the destination are written.
func (d *Detector) Composite(img Image, faces []image.Rectangle, replacement Image) {
	f := img.(*Frame)
	r := replacement.(*Frame)
	dstCh := f.mat.Channels()

	for _, face := range faces {
		resized := gocv.NewMat()
		gocv.Resize(r.mat, &resized, image.Pt(face.Dx(), face.Dy()), 0, 0, gocv.InterpolationArea)
		srcCh := resized.Channels()

		for y := 0; y < resized.Rows(); y++ {
			for x := 0; x < resized.Cols(); x++ {
				if srcCh == 4 && resized.GetUCharAt(y, x*srcCh+3) == 0 {
					continue
				}
				for c := 0; c < 3; c++ {
					v := resized.GetUCharAt(y, x*srcCh+c)
					f.mat.SetUCharAt(face.Min.Y+y, (face.Min.X+x)*dstCh+c, v)
				}
			}
		}
		resized.Close()
	}
}

func (d *Detector) grayscale(f *Frame) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(f.mat, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)
	return gray
}
