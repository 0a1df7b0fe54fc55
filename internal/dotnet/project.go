package dotnet

import (
	"fmt"
	"strings"
)

// TargetFramework maps a supported dotnet version to its TFM.
func TargetFramework(dotnetVersion string) (string, error) {
	switch dotnetVersion {
	case "8":
		return "net8.0", nil
	case "9":
		return "net9.0", nil
	case "10-rc2":
		return "net10.0", nil
	default:
		return "", fmt.Errorf("unsupported dotnet version %q", dotnetVersion)
	}
}

// PackageRef is one NuGet dependency of a generated project.
type PackageRef struct {
	Name    string
	Version string // empty = resolve latest stable
}

// ParsePackageSpec splits the `Name` or `Name@version` tool argument.
func ParsePackageSpec(spec string) (PackageRef, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PackageRef{}, fmt.Errorf("empty package spec")
	}
	name, version, found := strings.Cut(spec, "@")
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" || (found && version == "") {
		return PackageRef{}, fmt.Errorf("malformed package spec %q (use Name or Name@version)", spec)
	}
	if strings.ContainsAny(name, "<>&\"' ") {
		return PackageRef{}, fmt.Errorf("invalid characters in package name %q", name)
	}
	return PackageRef{Name: name, Version: version}, nil
}

// GenerateProject renders the csproj for a snippet. Every PackageRef
// must carry a resolved version by the time this runs.
func GenerateProject(tfm string, packages []PackageRef) string {
	var b strings.Builder
	b.WriteString("<Project Sdk=\"Microsoft.NET.Sdk\">\n\n")
	b.WriteString("  <PropertyGroup>\n")
	b.WriteString("    <OutputType>Exe</OutputType>\n")
	fmt.Fprintf(&b, "    <TargetFramework>%s</TargetFramework>\n", tfm)
	b.WriteString("    <ImplicitUsings>enable</ImplicitUsings>\n")
	b.WriteString("    <Nullable>enable</Nullable>\n")
	b.WriteString("  </PropertyGroup>\n")
	if len(packages) > 0 {
		b.WriteString("\n  <ItemGroup>\n")
		for _, p := range packages {
			fmt.Fprintf(&b, "    <PackageReference Include=%q Version=%q />\n", p.Name, p.Version)
		}
		b.WriteString("  </ItemGroup>\n")
	}
	b.WriteString("\n</Project>\n")
	return b.String()
}
