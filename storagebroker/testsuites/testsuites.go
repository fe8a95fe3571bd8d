// Package testsuites holds a gocheck conformance suite run against every
// storage broker implementation. Broker packages register the suite from
// their own tests, hermetically for disk and gated on environment
// configuration for the remote backends.
package testsuites

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"gopkg.in/check.v1"

	"github.com/dtool-go/dtool/storagebroker"
)

// Test hooks up gocheck into the "go test" runner.
func Test(t *testing.T) { check.TestingT(t) }

// BrokerConstructor is a function which returns a broker bound to a fresh,
// not yet created dataset with the given uuid.
type BrokerConstructor func(uuid string) (storagebroker.StorageBroker, error)

// BrokerCleanup removes the dataset a test created, so that suite runs
// against real backends do not accumulate garbage.
type BrokerCleanup func(ctx context.Context, broker storagebroker.StorageBroker) error

// SkipCheck is a function used to determine if a test suite should be
// skipped. If a SkipCheck returns a non-empty skip reason, the suite is
// skipped with the given reason.
type SkipCheck func() (reason string)

// NeverSkip is a default SkipCheck which never skips the suite.
var NeverSkip SkipCheck = func() string { return "" }

// RegisterSuite registers an in-process broker conformance suite with the
// go test runner.
func RegisterSuite(constructor BrokerConstructor, cleanup BrokerCleanup, skipCheck SkipCheck) {
	check.Suite(&BrokerSuite{
		Constructor: constructor,
		Cleanup:     cleanup,
		SkipCheck:   skipCheck,
	})
}

// BrokerSuite is a gocheck test suite designed to test a
// storagebroker.StorageBroker. The intended way to create a BrokerSuite is
// with RegisterSuite.
type BrokerSuite struct {
	Constructor BrokerConstructor
	Cleanup     BrokerCleanup
	SkipCheck
	storagebroker.StorageBroker

	ctx  context.Context
	uuid string
}

// SetUpSuite sets up the gocheck test suite.
func (suite *BrokerSuite) SetUpSuite(c *check.C) {
	if reason := suite.SkipCheck(); reason != "" {
		c.Skip(reason)
	}
	suite.ctx = context.Background()
}

// SetUpTest binds a broker to a fresh dataset location and creates its
// structure. Every test runs against its own dataset.
func (suite *BrokerSuite) SetUpTest(c *check.C) {
	suite.uuid = uuid.NewString()
	broker, err := suite.Constructor(suite.uuid)
	c.Assert(err, check.IsNil)
	suite.StorageBroker = broker

	err = suite.StorageBroker.CreateStructure(suite.ctx)
	c.Assert(err, check.IsNil)
}

// TearDownTest disposes of the dataset created by SetUpTest.
func (suite *BrokerSuite) TearDownTest(c *check.C) {
	if suite.StorageBroker == nil {
		return
	}
	if suite.Cleanup != nil {
		err := suite.Cleanup(suite.ctx, suite.StorageBroker)
		c.Check(err, check.IsNil)
	}
	err := suite.StorageBroker.Close()
	c.Check(err, check.IsNil)
	suite.StorageBroker = nil
}

// TestCreateStructureAlreadyExists tests that creating a dataset structure
// on top of an existing one fails.
func (suite *BrokerSuite) TestCreateStructureAlreadyExists(c *check.C) {
	err := suite.StorageBroker.CreateStructure(suite.ctx)
	c.Assert(err, check.NotNil)
	c.Assert(err, check.FitsTypeOf, storagebroker.DatasetExistsError{})
}

// TestAdminMetadata tests that admin metadata presence flips once it is
// written and that the document round trips unchanged.
func (suite *BrokerSuite) TestAdminMetadata(c *check.C) {
	ok, err := suite.StorageBroker.HasAdminMetadata(suite.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, false)

	meta := []byte(`{"uuid": "` + suite.uuid + `", "name": "conformance", "type": "protodataset"}`)
	err = suite.StorageBroker.PutAdminMetadata(suite.ctx, meta)
	c.Assert(err, check.IsNil)

	ok, err = suite.StorageBroker.HasAdminMetadata(suite.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)

	readBack, err := suite.StorageBroker.GetAdminMetadata(suite.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(readBack, check.DeepEquals, meta)
}

// TestWriteRead1 tests a simple write-read workflow.
func (suite *BrokerSuite) TestWriteRead1(c *check.C) {
	key := suite.StorageBroker.Layout().ReadmeKey
	contents := []byte("a")
	suite.writeReadCompare(c, key, contents)
}

// TestWriteRead2 tests a simple write-read workflow with unicode data.
func (suite *BrokerSuite) TestWriteRead2(c *check.C) {
	key := suite.StorageBroker.Layout().OverlayKey(randomString(12))
	contents := []byte("\xc3\x9f")
	suite.writeReadCompare(c, key, contents)
}

// TestWriteRead3 tests a simple write-read workflow with a small string.
func (suite *BrokerSuite) TestWriteRead3(c *check.C) {
	key := suite.StorageBroker.Layout().AnnotationKey(randomString(12))
	contents := []byte(randomString(32))
	suite.writeReadCompare(c, key, contents)
}

// TestWriteRead4 tests a simple write-read workflow with 1MB of data.
func (suite *BrokerSuite) TestWriteRead4(c *check.C) {
	key := suite.StorageBroker.Layout().ManifestKey
	contents := []byte(randomString(1024 * 1024))
	suite.writeReadCompare(c, key, contents)
}

// TestOverwrite tests that writing a key twice leaves the second content.
func (suite *BrokerSuite) TestOverwrite(c *check.C) {
	key := suite.StorageBroker.Layout().ReadmeKey
	err := suite.StorageBroker.PutContent(suite.ctx, key, []byte("first"))
	c.Assert(err, check.IsNil)
	suite.writeReadCompare(c, key, []byte("second"))
}

// TestReadNonexistent tests reading content from a key that was never
// written.
func (suite *BrokerSuite) TestReadNonexistent(c *check.C) {
	_, err := suite.StorageBroker.GetContent(suite.ctx, suite.StorageBroker.Layout().ManifestKey)
	c.Assert(err, check.NotNil)
	c.Assert(storagebroker.IsKeyNotFound(err), check.Equals, true)
}

// TestDeleteIsIdempotent tests that deleting an absent key succeeds.
func (suite *BrokerSuite) TestDeleteIsIdempotent(c *check.C) {
	key := suite.StorageBroker.Layout().OverlayKey("todelete")

	err := suite.StorageBroker.PutContent(suite.ctx, key, []byte(randomString(32)))
	c.Assert(err, check.IsNil)

	err = suite.StorageBroker.Delete(suite.ctx, key)
	c.Assert(err, check.IsNil)

	_, err = suite.StorageBroker.GetContent(suite.ctx, key)
	c.Assert(storagebroker.IsKeyNotFound(err), check.Equals, true)

	err = suite.StorageBroker.Delete(suite.ctx, key)
	c.Assert(err, check.IsNil)
}

// TestPutItemAndItemHandles tests item upload and handle enumeration,
// including nested relpaths and names with spaces.
func (suite *BrokerSuite) TestPutItemAndItemHandles(c *check.C) {
	relpaths := []string{
		"tiny.png",
		"subdir/nested file.txt",
		"subdir/deeper/another.csv",
	}
	for _, relpath := range relpaths {
		local := suite.tempFile(c, []byte("content of "+relpath))
		handle, err := suite.StorageBroker.PutItem(suite.ctx, local, relpath)
		c.Assert(err, check.IsNil)
		c.Assert(handle, check.Equals, relpath)
	}

	handles, err := suite.StorageBroker.ItemHandles(suite.ctx)
	c.Assert(err, check.IsNil)
	sort.Strings(handles)

	expected := append([]string(nil), relpaths...)
	sort.Strings(expected)
	c.Assert(handles, check.DeepEquals, expected)
}

// TestItemHandlesEmpty tests handle enumeration on a dataset with no items.
func (suite *BrokerSuite) TestItemHandlesEmpty(c *check.C) {
	handles, err := suite.StorageBroker.ItemHandles(suite.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(len(handles), check.Equals, 0)
}

// TestItemProperties tests stored size and content hash for a known vector.
func (suite *BrokerSuite) TestItemProperties(c *check.C) {
	local := suite.tempFile(c, []byte("abc"))
	handle, err := suite.StorageBroker.PutItem(suite.ctx, local, "vector.txt")
	c.Assert(err, check.IsNil)

	info, err := suite.StorageBroker.ItemProperties(suite.ctx, handle)
	c.Assert(err, check.IsNil)
	c.Assert(info.Size, check.Equals, int64(3))
	// MD5("abc")
	c.Assert(info.Hash, check.Equals, "900150983cd24fb0d6963f7d28e17f72")
	c.Assert(info.ModTime.After(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)), check.Equals, true)
}

// TestItemPropertiesAfterOverwrite tests that re-putting an item refreshes
// its recorded hash.
func (suite *BrokerSuite) TestItemPropertiesAfterOverwrite(c *check.C) {
	first := suite.tempFile(c, []byte("abc"))
	_, err := suite.StorageBroker.PutItem(suite.ctx, first, "rewritten.txt")
	c.Assert(err, check.IsNil)

	second := suite.tempFile(c, []byte("abcd"))
	handle, err := suite.StorageBroker.PutItem(suite.ctx, second, "rewritten.txt")
	c.Assert(err, check.IsNil)

	info, err := suite.StorageBroker.ItemProperties(suite.ctx, handle)
	c.Assert(err, check.IsNil)
	c.Assert(info.Size, check.Equals, int64(4))
	// MD5("abcd")
	c.Assert(info.Hash, check.Equals, "e2fc714c4727ee9395f324cd2e7f331f")
}

// TestItemPropertiesNonexistent tests that properties of an absent item
// fail with a key not found error.
func (suite *BrokerSuite) TestItemPropertiesNonexistent(c *check.C) {
	_, err := suite.StorageBroker.ItemProperties(suite.ctx, "no-such-item.bin")
	c.Assert(err, check.NotNil)
	c.Assert(storagebroker.IsKeyNotFound(err), check.Equals, true)
}

// TestFetchItem tests that fetched item content is byte-identical to what
// was uploaded.
func (suite *BrokerSuite) TestFetchItem(c *check.C) {
	contents := []byte(randomString(1024 * 1024))
	local := suite.tempFile(c, contents)

	handle, err := suite.StorageBroker.PutItem(suite.ctx, local, "payload.bin")
	c.Assert(err, check.IsNil)

	fetched, err := suite.StorageBroker.FetchItem(suite.ctx, handle)
	c.Assert(err, check.IsNil)

	readBack, err := os.ReadFile(fetched)
	c.Assert(err, check.IsNil)
	c.Assert(readBack, check.DeepEquals, contents)
}

// TestFetchItemNonexistent tests fetching an item that was never put.
func (suite *BrokerSuite) TestFetchItemNonexistent(c *check.C) {
	_, err := suite.StorageBroker.FetchItem(suite.ctx, "no-such-item.bin")
	c.Assert(err, check.NotNil)
	c.Assert(storagebroker.IsKeyNotFound(err), check.Equals, true)
}

// TestFragments tests the pre-freeze metadata fragment workflow: write,
// list, then cleanup via PostFreeze.
func (suite *BrokerSuite) TestFragments(c *check.C) {
	layout := suite.StorageBroker.Layout()

	local := suite.tempFile(c, []byte("pixels"))
	handle, err := suite.StorageBroker.PutItem(suite.ctx, local, "image.png")
	c.Assert(err, check.IsNil)

	err = suite.StorageBroker.PutContent(suite.ctx, layout.FragmentKey(handle, "color"), []byte(`"red"`))
	c.Assert(err, check.IsNil)
	err = suite.StorageBroker.PutContent(suite.ctx, layout.FragmentKey(handle, "size"), []byte(`"large"`))
	c.Assert(err, check.IsNil)

	names, err := suite.StorageBroker.List(suite.ctx, layout.FragmentsPrefix)
	c.Assert(err, check.IsNil)
	sort.Strings(names)
	identifier := storagebroker.ItemIdentifier(handle)
	c.Assert(names, check.DeepEquals, []string{
		identifier + ".color.json",
		identifier + ".size.json",
	})

	err = suite.StorageBroker.PostFreeze(suite.ctx)
	c.Assert(err, check.IsNil)

	names, err = suite.StorageBroker.List(suite.ctx, layout.FragmentsPrefix)
	c.Assert(err, check.IsNil)
	c.Assert(len(names), check.Equals, 0)
}

// TestListMetadataNames tests listing of overlay, annotation and tag names
// through the broker's layout prefixes.
func (suite *BrokerSuite) TestListMetadataNames(c *check.C) {
	layout := suite.StorageBroker.Layout()

	for _, name := range []string{"alpha", "beta"} {
		err := suite.StorageBroker.PutContent(suite.ctx, layout.OverlayKey(name), []byte("{}"))
		c.Assert(err, check.IsNil)
	}
	err := suite.StorageBroker.PutContent(suite.ctx, layout.AnnotationKey("project"), []byte(`"x"`))
	c.Assert(err, check.IsNil)
	err = suite.StorageBroker.PutContent(suite.ctx, layout.TagKey("testing"), []byte(""))
	c.Assert(err, check.IsNil)

	overlays, err := suite.StorageBroker.List(suite.ctx, layout.OverlaysPrefix)
	c.Assert(err, check.IsNil)
	sort.Strings(overlays)
	c.Assert(overlays, check.DeepEquals, []string{"alpha.json", "beta.json"})

	annotations, err := suite.StorageBroker.List(suite.ctx, layout.AnnotationsPrefix)
	c.Assert(err, check.IsNil)
	c.Assert(annotations, check.DeepEquals, []string{"project.json"})

	tags, err := suite.StorageBroker.List(suite.ctx, layout.TagsPrefix)
	c.Assert(err, check.IsNil)
	c.Assert(tags, check.DeepEquals, []string{"testing"})
}

// TestListRoot tests listing the dataset root.
func (suite *BrokerSuite) TestListRoot(c *check.C) {
	layout := suite.StorageBroker.Layout()
	err := suite.StorageBroker.PutContent(suite.ctx, layout.ReadmeKey, []byte("---\n"))
	c.Assert(err, check.IsNil)

	names, err := suite.StorageBroker.List(suite.ctx, "")
	c.Assert(err, check.IsNil)

	found := false
	for _, name := range names {
		if name == layout.ReadmeKey {
			found = true
		}
	}
	c.Assert(found, check.Equals, true)
}

// TestInvalidKeys tests that malformed keys are rejected before they reach
// the backend.
func (suite *BrokerSuite) TestInvalidKeys(c *check.C) {
	for _, key := range []string{"", "../escape", "a//b", "a/./b", `a\b`} {
		_, err := suite.StorageBroker.GetContent(suite.ctx, key)
		c.Assert(err, check.FitsTypeOf, storagebroker.InvalidKeyError{})

		err = suite.StorageBroker.PutContent(suite.ctx, key, []byte("x"))
		c.Assert(err, check.FitsTypeOf, storagebroker.InvalidKeyError{})
	}

	_, err := suite.StorageBroker.PutItem(suite.ctx, "/tmp/whatever", "../../escape.txt")
	c.Assert(err, check.FitsTypeOf, storagebroker.InvalidKeyError{})
}

// TestSelfDescription tests the broker's layout self-description.
func (suite *BrokerSuite) TestSelfDescription(c *check.C) {
	desc := suite.StorageBroker.SelfDescription()
	c.Assert(desc.Structure, check.NotNil)
	c.Assert(desc.Structure["storage_broker_version"], check.Not(check.Equals), "")
	c.Assert(len(desc.Readme) > 0, check.Equals, true)

	layout := suite.StorageBroker.Layout()
	for _, prefix := range []string{
		layout.DataPrefix,
		layout.FragmentsPrefix,
		layout.OverlaysPrefix,
		layout.AnnotationsPrefix,
		layout.TagsPrefix,
	} {
		c.Assert(storagebroker.ValidPrefix(prefix), check.Equals, true)
	}
}

// TestURI tests that the broker reports a parseable URI with its own
// scheme.
func (suite *BrokerSuite) TestURI(c *check.C) {
	parsed, err := storagebroker.ParseURI(suite.StorageBroker.URI())
	c.Assert(err, check.IsNil)
	c.Assert(parsed.Scheme, check.Equals, suite.StorageBroker.Scheme())
}

func (suite *BrokerSuite) writeReadCompare(c *check.C, key string, contents []byte) {
	err := suite.StorageBroker.PutContent(suite.ctx, key, contents)
	c.Assert(err, check.IsNil)

	readContents, err := suite.StorageBroker.GetContent(suite.ctx, key)
	c.Assert(err, check.IsNil)
	c.Assert(readContents, check.DeepEquals, contents)
}

// tempFile writes contents to a fresh file under the test's temp dir and
// returns its path.
func (suite *BrokerSuite) tempFile(c *check.C, contents []byte) string {
	path := filepath.Join(c.MkDir(), randomString(12))
	err := os.WriteFile(path, contents, 0o644)
	c.Assert(err, check.IsNil)
	return path
}

var filenameChars = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

func randomString(length int64) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = filenameChars[rand.Intn(len(filenameChars))]
	}
	return string(b)
}
